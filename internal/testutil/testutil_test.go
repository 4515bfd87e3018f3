package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Header().Set("Content-Type", "application/json")
	rr.WriteString(`{"status":"ok","message":"fine"}`)

	resp := AssertJSONResponse(t, rr, "ok")
	if resp["message"] != "fine" {
		t.Errorf("unexpected decoded response %v", resp)
	}
}

func TestCreateRequests(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/webhooks/whatsapp", `{"entry":[]}`)
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}

	form := CreateFormRequest(t, "/webhooks/twilio", url.Values{"Body": {"STOP"}})
	if err := form.ParseForm(); err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	if form.PostFormValue("Body") != "STOP" {
		t.Errorf("expected form value STOP, got %q", form.PostFormValue("Body"))
	}
}

func TestNewSQLiteStoreAndOutcome(t *testing.T) {
	s := NewSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	AssertInboundOutcome(t, s, "wamid.x", "")

	claimed, err := s.ClaimInbound(ctx, models.DedupRecord{MessageID: "wamid.x", ClaimedAt: now, ExpiresAt: now.Add(time.Hour)}, now.Add(-time.Minute))
	if err != nil || !claimed {
		t.Fatalf("ClaimInbound: %v, %v", claimed, err)
	}
	if err := s.MarkProcessed(ctx, "wamid.x", models.OutcomeProcessed, now); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	AssertInboundOutcome(t, s, "wamid.x", models.OutcomeProcessed)
}
