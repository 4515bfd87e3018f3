package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through the HTTP webhook, so it is not an InboundSource.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender // real Twilio client or MockClient
	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{client: client}
}

// Start is a no-op for Twilio (no live connection).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped; later sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *TwilioService) send(ctx context.Context, to, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if body == "" {
		return ErrEmptyBody
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("TwilioService.send error", "error", err, "to", to)
		return err
	}
	return nil
}

// SendText sends a plain text message.
func (s *TwilioService) SendText(ctx context.Context, identity, text string) error {
	return s.send(ctx, identity, text)
}

// SendButtons sends text with buttons rendered as a numbered list; the Go SDK
// has no interactive message support.
func (s *TwilioService) SendButtons(ctx context.Context, identity, text string, buttons []models.Button) error {
	return s.send(ctx, identity, RenderButtons(text, buttons))
}
