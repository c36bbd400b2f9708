package model

import "time"

// Report is an append-only abuse report. It references a conversation and
// optionally a single message; creating one never mutates either.
type Report struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ReporterID     string    `json:"reporter_id"`
	ReportedUserID string    `json:"reported_user_id"`
	Reason         string    `json:"reason"`
	MessageID      string    `json:"message_id,omitempty"`
	Details        string    `json:"details,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
