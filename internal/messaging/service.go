package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

var (
	// ErrServiceStopped is returned by sends after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrThrottled is returned when the outbound rate ceiling denied a send.
	ErrThrottled = errors.New("outbound send throttled")
	// ErrEmptyBody is returned for blank messages.
	ErrEmptyBody = errors.New("message body cannot be empty")
)

// Sender delivers replies to an identity. Implementations never retry.
type Sender interface {
	SendText(ctx context.Context, identity, text string) error
	// SendButtons sends text with quick-reply choices. Transports without
	// native buttons render them as a numbered list.
	SendButtons(ctx context.Context, identity, text string, buttons []models.Button) error
}

// Service is a Sender with a managed lifecycle.
type Service interface {
	Sender
	Start(ctx context.Context) error
	Stop() error
}

// InboundSource is implemented by services that receive messages over a live
// connection rather than a webhook.
type InboundSource interface {
	Inbound() <-chan models.InboundMessage
}

// RenderButtons renders buttons as a numbered list under text.
func RenderButtons(text string, buttons []models.Button) string {
	if len(buttons) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Title)
	}
	return b.String()
}
