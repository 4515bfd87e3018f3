// Package flow holds per-user conversation state and routes inbound messages
// to the domain flows that own them.
package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

// DefaultStateTTL is how long a conversation state survives without being rewritten.
const DefaultStateTTL = 24 * time.Hour

// StateManager stores the single active conversation state of an identity.
// Key vocabulary is owned by the flow that writes it; there is no transition table.
type StateManager interface {
	// GetState returns nil when the identity is at home or the state expired.
	GetState(ctx context.Context, identity string) (*models.ConversationState, error)

	// SetState overwrites the state with key and data.
	SetState(ctx context.Context, identity, key string, data map[string]any) error

	// ClearState removes the state. Clearing an absent state is not an error.
	ClearState(ctx context.Context, identity string) error
}
