package models

// ToneDetection is the score breakdown produced by the locale/tone detector.
type ToneDetection struct {
	Locale     string             `json:"locale"`
	Scores     map[string]float64 `json:"scores"`
	Confidence float64            `json:"confidence"`
	Matched    int                `json:"matched"`
}

// MessageContext is resolved fresh for every inbound message and never cached.
type MessageContext struct {
	Identity      string             `json:"identity"`
	ProfileID     string             `json:"profile_id"`
	Locale        string             `json:"locale"`
	ToneLocale    string             `json:"tone_locale"`
	ToneDetection ToneDetection      `json:"tone_detection"`
	State         *ConversationState `json:"state,omitempty"`
}

// StateKey returns the current state key, or "" when the user is at home.
func (c *MessageContext) StateKey() string {
	if c == nil || c.State == nil {
		return ""
	}
	return c.State.Key
}
