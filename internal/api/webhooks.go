package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/tidwall/gjson"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

// ParseCloudMessages extracts every message of a WhatsApp Cloud API
// notification. Status updates carry no messages and yield an empty slice.
func ParseCloudMessages(body []byte) ([]models.InboundMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidPayload
	}
	var out []models.InboundMessage
	gjson.GetBytes(body, "entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			change.Get("value.messages").ForEach(func(_, m gjson.Result) bool {
				out = append(out, cloudMessage(m))
				return true
			})
			return true
		})
		return true
	})
	return out, nil
}

func cloudMessage(m gjson.Result) models.InboundMessage {
	msg := models.InboundMessage{
		MessageID: m.Get("id").String(),
		From:      m.Get("from").String(),
		Type:      models.MessageType(m.Get("type").String()),
	}
	if ts := m.Get("timestamp").Int(); ts > 0 {
		msg.Timestamp = time.Unix(ts, 0).UTC()
	}
	switch msg.Type {
	case models.MessageTypeText:
		msg.Text = m.Get("text.body").String()
	case models.MessageTypeInteractive:
		reply := m.Get("interactive.button_reply")
		if !reply.Exists() {
			reply = m.Get("interactive.list_reply")
		}
		msg.Interactive = &models.InteractiveReply{ID: reply.Get("id").String(), Title: reply.Get("title").String()}
	case models.MessageTypeButton:
		msg.Interactive = &models.InteractiveReply{ID: m.Get("button.payload").String(), Title: m.Get("button.text").String()}
		msg.Text = m.Get("button.text").String()
	case models.MessageTypeImage:
		msg.Text = m.Get("image.caption").String()
	case models.MessageTypeAudio, models.MessageTypeLocation:
	default:
		msg.Type = models.MessageTypeUnknown
	}
	return msg
}

// twilioMessage maps a Twilio inbound form to an InboundMessage.
func twilioMessage(r *http.Request) models.InboundMessage {
	msg := models.InboundMessage{
		MessageID: r.PostFormValue("MessageSid"),
		From:      r.PostFormValue("From"),
		Type:      models.MessageTypeText,
		Text:      r.PostFormValue("Body"),
		Timestamp: time.Now().UTC(),
	}
	if payload := r.PostFormValue("ButtonPayload"); payload != "" {
		msg.Type = models.MessageTypeButton
		msg.Interactive = &models.InteractiveReply{ID: payload, Title: r.PostFormValue("ButtonText")}
	}
	return msg
}

// whatsappVerifyHandler answers the Cloud API subscription handshake.
func (s *Server) whatsappVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || s.cfg.VerifyToken == "" || q.Get("hub.verify_token") != s.cfg.VerifyToken {
		slog.Warn("Server.whatsappVerifyHandler: verification rejected", "mode", q.Get("hub.mode"))
		writeJSONResponse(w, http.StatusForbidden, errorResponse("verification failed"))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, q.Get("hub.challenge")); err != nil {
		slog.Error("Server.whatsappVerifyHandler: write failed", "error", err)
	}
}

func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		slog.Warn("Server.whatsappWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("unreadable body"))
		return
	}
	msgs, err := ParseCloudMessages(body)
	if err != nil {
		slog.Warn("Server.whatsappWebhookHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	s.processAll(w, r, msgs)
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("invalid form"))
		return
	}
	s.processAll(w, r, []models.InboundMessage{twilioMessage(r)})
}

// processAll runs every message through the intake, detached from the
// request context. The intake applies its own deadline.
func (s *Server) processAll(w http.ResponseWriter, r *http.Request, msgs []models.InboundMessage) {
	ctx := context.WithoutCancel(r.Context())
	resp := Response{Status: StatusOK, Results: make([]Result, 0, len(msgs))}
	status := http.StatusOK
	for _, msg := range msgs {
		res := s.intake.Process(ctx, msg)
		resp.Results = append(resp.Results, toResult(res))
		if res.Failed() {
			status = http.StatusInternalServerError
		}
	}
	if status != http.StatusOK {
		resp.Status = StatusError
		resp.Message = fmt.Sprintf("%d of %d messages failed", countFailed(resp.Results), len(msgs))
	}
	slog.Debug("Server.processAll", "messages", len(msgs), "status", status, "path", strings.TrimPrefix(r.URL.Path, "/webhooks/"))
	writeJSONResponse(w, status, resp)
}

func countFailed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Outcome == models.OutcomeFailed {
			n++
		}
	}
	return n
}
