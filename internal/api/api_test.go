package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/testutil"
)

// recordingProcessor stands in for the intake.
type recordingProcessor struct {
	mu     sync.Mutex
	msgs   []models.InboundMessage
	failOn string
}

func (p *recordingProcessor) Process(ctx context.Context, msg models.InboundMessage) models.ProcessingResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	if msg.MessageID == p.failOn {
		return models.ProcessingResult{MessageID: msg.MessageID, Outcome: models.OutcomeFailed, Err: errors.New("store down")}
	}
	return models.ProcessingResult{MessageID: msg.MessageID, Outcome: models.OutcomeProcessed, HandledBy: "guard:stop"}
}

const cloudPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "1234",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "messages": [
          {"from": "250788000111", "id": "wamid.123", "timestamp": "1700000000", "type": "text", "text": {"body": "STOP"}},
          {"from": "250788000111", "id": "wamid.124", "timestamp": "1700000001", "type": "interactive",
           "interactive": {"type": "button_reply", "button_reply": {"id": "back_home", "title": "Home"}}},
          {"from": "250788000111", "id": "wamid.125", "timestamp": "1700000002", "type": "interactive",
           "interactive": {"type": "list_reply", "list_reply": {"id": "momo", "title": "Wallet"}}},
          {"from": "250788000111", "id": "wamid.126", "timestamp": "1700000003", "type": "button",
           "button": {"payload": "wallet", "text": "Wallet"}},
          {"from": "250788000111", "id": "wamid.127", "timestamp": "1700000004", "type": "sticker", "sticker": {}}
        ]
      }
    }]
  }]
}`

func TestParseCloudMessages(t *testing.T) {
	msgs, err := ParseCloudMessages([]byte(cloudPayload))
	if err != nil {
		t.Fatalf("ParseCloudMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	tests := []struct {
		idx     int
		id      string
		typ     models.MessageType
		text    string
		replyID string
	}{
		{0, "wamid.123", models.MessageTypeText, "STOP", ""},
		{1, "wamid.124", models.MessageTypeInteractive, "", "back_home"},
		{2, "wamid.125", models.MessageTypeInteractive, "", "momo"},
		{3, "wamid.126", models.MessageTypeButton, "Wallet", "wallet"},
		{4, "wamid.127", models.MessageTypeUnknown, "", ""},
	}
	for _, tt := range tests {
		m := msgs[tt.idx]
		if m.MessageID != tt.id || m.Type != tt.typ || m.Text != tt.text || m.InteractiveID() != tt.replyID {
			t.Errorf("message %d: got %+v", tt.idx, m)
		}
		if m.From != "250788000111" || m.Timestamp.IsZero() {
			t.Errorf("message %d: missing sender or timestamp: %+v", tt.idx, m)
		}
	}
}

func TestParseCloudMessages_StatusOnlyAndInvalid(t *testing.T) {
	msgs, err := ParseCloudMessages([]byte(`{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1","status":"read"}]}}]}]}`))
	if err != nil || len(msgs) != 0 {
		t.Errorf("status notifications carry no messages, got %d, %v", len(msgs), err)
	}
	if _, err := ParseCloudMessages([]byte(`{not json`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestWhatsAppWebhook(t *testing.T) {
	proc := &recordingProcessor{}
	srv := NewServer(proc)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhooks/whatsapp", cloudPayload))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "whatsapp webhook")
	resp := testutil.AssertJSONResponse(t, rr, StatusOK)
	if results, ok := resp["results"].([]interface{}); !ok || len(results) != 5 {
		t.Errorf("expected 5 results, got %v", resp["results"])
	}
	if len(proc.msgs) != 5 {
		t.Errorf("expected 5 processed messages, got %d", len(proc.msgs))
	}
}

func TestWhatsAppWebhook_FailureReturns500(t *testing.T) {
	proc := &recordingProcessor{failOn: "wamid.124"}
	srv := NewServer(proc)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhooks/whatsapp", cloudPayload))

	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "failed message")
	testutil.AssertJSONResponse(t, rr, StatusError)
}

func TestWhatsAppWebhook_BadJSON(t *testing.T) {
	srv := NewServer(&recordingProcessor{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/webhooks/whatsapp", `{"entry":`))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad json")
}

func TestWhatsAppVerify(t *testing.T) {
	srv := NewServer(&recordingProcessor{}, WithVerifyToken("s3cret"))
	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusOK, "42"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=s3cret&hub.challenge=42", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/webhooks/whatsapp?"+tt.query, ""))
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
			if tt.body != "" && rr.Body.String() != tt.body {
				t.Errorf("expected challenge %q, got %q", tt.body, rr.Body.String())
			}
		})
	}
}

func TestTwilioWebhook(t *testing.T) {
	proc := &recordingProcessor{}
	srv := NewServer(proc)

	form := url.Values{
		"MessageSid":    {"SM123"},
		"From":          {"whatsapp:+250788000111"},
		"Body":          {"Wallet"},
		"ButtonPayload": {"wallet"},
		"ButtonText":    {"Wallet"},
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateFormRequest(t, "/webhooks/twilio", form))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	testutil.AssertJSONResponse(t, rr, StatusOK)
	if len(proc.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(proc.msgs))
	}
	m := proc.msgs[0]
	if m.MessageID != "SM123" || m.From != "whatsapp:+250788000111" || m.InteractiveID() != "wallet" || m.Type != models.MessageTypeButton {
		t.Errorf("unexpected message %+v", m)
	}
}

func TestHealthAndVars(t *testing.T) {
	srv := NewServer(&recordingProcessor{})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/healthz", ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertJSONResponse(t, rr, StatusOK)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/vars", ""))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "debug vars")
}

func TestShutdownWithoutStart(t *testing.T) {
	if err := NewServer(&recordingProcessor{}).Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Start should be a no-op, got %v", err)
	}
}
