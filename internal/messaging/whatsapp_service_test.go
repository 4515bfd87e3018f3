package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

func strPtr(s string) *string { return &s }

func messageEvent(m *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewADJID("250788000111", 0, 12),
			},
			ID:        "wamid.123",
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: m,
	}
}

func TestWhatsAppService_SendButtonsRendersList(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	ctx := context.Background()

	buttons := []models.Button{{ID: "mobility", Title: "Rides"}, {ID: "wallet", Title: "Wallet"}}
	if err := svc.SendButtons(ctx, "+250788000111", "Menu", buttons); err != nil {
		t.Fatalf("SendButtons: %v", err)
	}
	msgs := mock.Messages()
	if len(msgs) != 1 || msgs[0].Body != "Menu\n1. Rides\n2. Wallet" {
		t.Errorf("unexpected messages %+v", msgs)
	}
	if err := svc.SendText(ctx, "+250788000111", ""); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
	if err := svc.SendText(context.Background(), "+250788000111", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	// Events after Stop must not panic on the closed channel.
	svc.handleIncomingMessage(messageEvent(&waE2E.Message{Conversation: strPtr("late")}))
}

func TestWhatsAppService_ForwardsInbound(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.handleIncomingMessage(messageEvent(&waE2E.Message{Conversation: strPtr("menu")}))

	select {
	case msg := <-svc.Inbound():
		if msg.Text != "menu" || msg.MessageID != "wamid.123" {
			t.Errorf("unexpected message %+v", msg)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestInboundFromEvent(t *testing.T) {
	tests := []struct {
		name      string
		msg       *waE2E.Message
		wantOK    bool
		wantType  models.MessageType
		wantText  string
		wantReply string
	}{
		{
			name:     "conversation",
			msg:      &waE2E.Message{Conversation: strPtr("STOP")},
			wantOK:   true,
			wantType: models.MessageTypeText,
			wantText: "STOP",
		},
		{
			name:     "extended text",
			msg:      &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: strPtr("hello")}},
			wantOK:   true,
			wantType: models.MessageTypeText,
			wantText: "hello",
		},
		{
			name: "list reply",
			msg: &waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{
				Title:             strPtr("Home"),
				SingleSelectReply: &waE2E.ListResponseMessage_SingleSelectReply{SelectedRowID: strPtr("back_home")},
			}},
			wantOK:    true,
			wantType:  models.MessageTypeInteractive,
			wantReply: "back_home",
		},
		{
			name:   "empty message",
			msg:    &waE2E.Message{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := InboundFromEvent(messageEvent(tt.msg))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Type != tt.wantType || got.Text != tt.wantText || got.InteractiveID() != tt.wantReply {
				t.Errorf("unexpected message %+v", got)
			}
			if got.From != "250788000111@s.whatsapp.net" {
				t.Errorf("device part should be dropped from sender, got %q", got.From)
			}
		})
	}
}

func TestInboundFromEventSkipsOwnAndGroup(t *testing.T) {
	own := messageEvent(&waE2E.Message{Conversation: strPtr("hi")})
	own.Info.IsFromMe = true
	if _, ok := InboundFromEvent(own); ok {
		t.Error("own message should be skipped")
	}
	group := messageEvent(&waE2E.Message{Conversation: strPtr("hi")})
	group.Info.IsGroup = true
	if _, ok := InboundFromEvent(group); ok {
		t.Error("group message should be skipped")
	}
	if _, ok := InboundFromEvent(nil); ok {
		t.Error("nil event should be skipped")
	}
}

func TestWhatsAppService_FullBufferBlocksInsteadOfDropping(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	defer svc.Stop()

	for i := 0; i < DefaultChannelBufferSize; i++ {
		svc.handleIncomingMessage(messageEvent(&waE2E.Message{Conversation: strPtr("hello")}))
	}

	delivered := make(chan struct{})
	go func() {
		svc.handleIncomingMessage(messageEvent(&waE2E.Message{Conversation: strPtr("overflow")}))
		close(delivered)
	}()
	select {
	case <-delivered:
		t.Fatal("handler returned while the buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for received < DefaultChannelBufferSize+1 {
		select {
		case msg := <-svc.Inbound():
			received++
			if received == DefaultChannelBufferSize+1 && msg.Text != "overflow" {
				t.Errorf("last message = %q, want overflow", msg.Text)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", received, DefaultChannelBufferSize+1)
		}
	}
	<-delivered
}

func TestWhatsAppService_StopReleasesBlockedHandler(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	for i := 0; i < DefaultChannelBufferSize; i++ {
		svc.handleIncomingMessage(messageEvent(&waE2E.Message{Conversation: strPtr("hello")}))
	}

	returned := make(chan struct{})
	go func() {
		svc.handleIncomingMessage(messageEvent(&waE2E.Message{Conversation: strPtr("blocked")}))
		close(returned)
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- svc.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop deadlocked behind a blocked handler")
	}
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked handler was not released by Stop")
	}
}

func TestInboundFromEvent_LinkedIdentitySender(t *testing.T) {
	lid := types.NewJID("123456789012345", types.HiddenUserServer)
	phone := types.NewJID("250788000111", types.DefaultUserServer)

	tests := []struct {
		name string
		alt  types.JID
		want string
	}{
		{"resolved through phone alt", phone, "250788000111@s.whatsapp.net"},
		{"unresolved", types.EmptyJID, "123456789012345@lid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := messageEvent(&waE2E.Message{Conversation: strPtr("STOP")})
			evt.Info.Sender = lid
			evt.Info.SenderAlt = tt.alt
			msg, ok := InboundFromEvent(evt)
			if !ok {
				t.Fatal("expected message")
			}
			if msg.From != tt.want {
				t.Errorf("From = %q, want %q", msg.From, tt.want)
			}
		})
	}
}
