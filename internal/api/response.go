package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the per-message part of a webhook response.
type Result struct {
	MessageID string         `json:"message_id"`
	Outcome   models.Outcome `json:"outcome"`
	HandledBy string         `json:"handled_by,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Response is the JSON body of every endpoint.
type Response struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Results []Result `json:"results,omitempty"`
}

func errorResponse(msg string) Response {
	return Response{Status: StatusError, Message: msg}
}

func toResult(r models.ProcessingResult) Result {
	out := Result{MessageID: r.MessageID, Outcome: r.Outcome, HandledBy: r.HandledBy}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

// Pre-marshaled fallback so encoding failures still produce a body.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(errorResponse("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals before writing headers so a failure can still
// change the status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}
