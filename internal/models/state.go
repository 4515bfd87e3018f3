// Package models defines state management structures for MsgRouter flows.
package models

import "time"

// ConversationState is the single active position of one identity inside a
// domain flow. Key vocabulary belongs to the flow that wrote it.
type ConversationState struct {
	Identity  string         `json:"identity"`
	Key       string         `json:"key"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the state has passed its expiry at now.
func (s *ConversationState) Expired(now time.Time) bool {
	return s != nil && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// ContactRecord is the durable opt-in/opt-out trail for an identity.
type ContactRecord struct {
	Identity      string     `json:"identity"`
	ProfileID     string     `json:"profile_id,omitempty"`
	OptedIn       bool       `json:"opted_in"`
	OptedOut      bool       `json:"opted_out"`
	OptInAt       *time.Time `json:"opt_in_at,omitempty"`
	OptOutAt      *time.Time `json:"opt_out_at,omitempty"`
	LastInboundAt *time.Time `json:"last_inbound_at,omitempty"`
}

// ThrottleWindowCounter counts claims for one bucket inside one fixed 60s window.
// Window bounds are Unix milliseconds.
type ThrottleWindowCounter struct {
	BucketID    string `json:"bucket_id"`
	WindowStart int64  `json:"window_start"`
	WindowEnd   int64  `json:"window_end"`
	Count       int    `json:"count"`
	Limit       int    `json:"limit"`
}

// Outcome describes what the intake did with an inbound message.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeThrottled Outcome = "throttled"
	OutcomeFailed    Outcome = "failed"
)

// DedupRecord marks an inbound message id as claimed and, once ProcessedAt is
// set, as fully processed.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Identity    string     `json:"identity"`
	ReceivedAt  time.Time  `json:"received_at"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// ProcessingResult is returned by the intake for every delivery.
type ProcessingResult struct {
	MessageID string  `json:"message_id"`
	Identity  string  `json:"identity,omitempty"`
	Outcome   Outcome `json:"outcome"`
	// HandledBy names the guard or route that consumed the message, e.g. "guard:stop".
	HandledBy string `json:"handled_by,omitempty"`
	// Prior carries the stored outcome when Outcome is duplicate.
	Prior Outcome `json:"prior,omitempty"`
	Err   error   `json:"-"`
}

// Failed reports whether the transport should redeliver the message.
func (r ProcessingResult) Failed() bool {
	return r.Outcome == OutcomeFailed
}
