package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To      string
	Text    string
	Buttons []models.Button
}

// MockSender records sends instead of delivering them (for tests).
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage
	// Err, when set, is returned by every send.
	Err error
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendText(ctx context.Context, identity, text string) error {
	return m.record(SentMessage{To: identity, Text: text})
}

func (m *MockSender) SendButtons(ctx context.Context, identity, text string, buttons []models.Button) error {
	return m.record(SentMessage{To: identity, Text: text, Buttons: buttons})
}

func (m *MockSender) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset forgets recorded messages.
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
