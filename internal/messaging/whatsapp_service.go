package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/whatsapp"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// DefaultChannelBufferSize is the buffer of the inbound message channel. A full
// buffer blocks the whatsmeow event handler until the consumer catches up.
const DefaultChannelBufferSize = 100

// WhatsAppService implements Service and InboundSource on top of whatsmeow.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // nil for mocks; needed for event handling
	inbound  chan models.InboundMessage
	mu       sync.RWMutex
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
	handler  uint32
}

var (
	_ Service       = (*WhatsAppService)(nil)
	_ InboundSource = (*WhatsAppService)(nil)
)

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	// Unblock handlers waiting on a full channel before taking the write lock.
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	close(s.inbound)
	slog.Info("WhatsAppService stopped")
	return nil
}

// Inbound returns the channel of received messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

func (s *WhatsAppService) send(ctx context.Context, to, body string) error {
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
		slog.Error("WhatsAppService.send error", "error", err, "to", to)
		return err
	}
	return nil
}

// SendText sends a plain text message.
func (s *WhatsAppService) SendText(ctx context.Context, identity, text string) error {
	return s.send(ctx, identity, text)
}

// SendButtons sends text with the buttons rendered as a numbered list.
func (s *WhatsAppService) SendButtons(ctx context.Context, identity, text string, buttons []models.Button) error {
	return s.send(ctx, identity, RenderButtons(text, buttons))
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, ok := InboundFromEvent(evt)
	if !ok {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.inbound <- msg:
		slog.Debug("WhatsAppService inbound message forwarded", "message_id", msg.MessageID, "type", msg.Type)
	case <-s.done:
		slog.Warn("WhatsAppService stopping before message was forwarded", "message_id", msg.MessageID)
	}
}

// senderAddress prefers the phone-number JID when the sender is addressed by
// linked identity. An unresolved LID is passed through and rejected by intake.
func senderAddress(src types.MessageSource) string {
	if src.Sender.Server == types.HiddenUserServer && src.SenderAlt.Server == types.DefaultUserServer {
		return src.SenderAlt.ToNonAD().String()
	}
	return src.Sender.ToNonAD().String()
}

// InboundFromEvent maps a whatsmeow message event to an InboundMessage.
// Own messages, group messages and events without content are skipped.
func InboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{
		MessageID: evt.Info.ID,
		From:      senderAddress(evt.Info.MessageSource),
		Timestamp: evt.Info.Timestamp,
	}
	m := evt.Message
	switch {
	case m.GetButtonsResponseMessage() != nil:
		r := m.GetButtonsResponseMessage()
		msg.Type = models.MessageTypeInteractive
		msg.Interactive = &models.InteractiveReply{ID: r.GetSelectedButtonID(), Title: r.GetSelectedDisplayText()}
	case m.GetListResponseMessage() != nil:
		r := m.GetListResponseMessage()
		msg.Type = models.MessageTypeInteractive
		msg.Interactive = &models.InteractiveReply{ID: r.GetSingleSelectReply().GetSelectedRowID(), Title: r.GetTitle()}
	case m.GetTemplateButtonReplyMessage() != nil:
		r := m.GetTemplateButtonReplyMessage()
		msg.Type = models.MessageTypeButton
		msg.Interactive = &models.InteractiveReply{ID: r.GetSelectedID(), Title: r.GetSelectedDisplayText()}
	case m.GetConversation() != "":
		msg.Type = models.MessageTypeText
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		msg.Type = models.MessageTypeText
		msg.Text = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		msg.Type = models.MessageTypeImage
		msg.Text = m.GetImageMessage().GetCaption()
	case m.GetAudioMessage() != nil:
		msg.Type = models.MessageTypeAudio
	case m.GetLocationMessage() != nil:
		msg.Type = models.MessageTypeLocation
	default:
		slog.Debug("InboundFromEvent: unsupported message content", "message_id", evt.Info.ID)
		return models.InboundMessage{}, false
	}
	return msg, true
}
