// Package models defines the core data structures for MsgRouter.
//
// It includes the inbound message shape, the per-message context handed to
// guards and flow handlers, and the records persisted by the store.
package models

import (
	"errors"
	"time"
)

// MessageType identifies the kind of inbound message delivered by the transport.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeInteractive MessageType = "interactive"
	MessageTypeButton      MessageType = "button"
	MessageTypeImage       MessageType = "image"
	MessageTypeAudio       MessageType = "audio"
	MessageTypeLocation    MessageType = "location"
	MessageTypeUnknown     MessageType = "unknown"
)

// Error variables shared across modules.
var (
	ErrEmptyMessageID = errors.New("message id cannot be empty")
	ErrEmptySender    = errors.New("sender cannot be empty")
)

// InteractiveReply is the payload of a button or list selection.
type InteractiveReply struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// InboundMessage is a single message delivered by the webhook transport.
// Delivery is at-least-once, so the same MessageID may arrive several times.
type InboundMessage struct {
	MessageID   string            `json:"message_id"`
	From        string            `json:"from"`
	Type        MessageType       `json:"type"`
	Text        string            `json:"text,omitempty"`
	Interactive *InteractiveReply `json:"interactive,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Validate checks the fields every message needs before it enters the pipeline.
func (m InboundMessage) Validate() error {
	if m.MessageID == "" {
		return ErrEmptyMessageID
	}
	if m.From == "" {
		return ErrEmptySender
	}
	return nil
}

// InteractiveID returns the selected control id, or "" for non-interactive messages.
func (m InboundMessage) InteractiveID() string {
	if m.Interactive == nil {
		return ""
	}
	return m.Interactive.ID
}

// Button is a quick-reply option rendered by the outbound sender.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Profile is the user profile owned by the profile-provisioning collaborator.
type Profile struct {
	ProfileID string    `json:"profile_id"`
	Identity  string    `json:"identity"`
	Locale    string    `json:"locale"`
	CreatedAt time.Time `json:"created_at"`
}
