package flow

import (
	"github.com/BTreeMap/MsgRouter/internal/store"
)

// NewMockStateManager creates an in-memory state manager for testing.
func NewMockStateManager() StateManager {
	return NewStoreBasedStateManager(store.NewInMemoryStore())
}
