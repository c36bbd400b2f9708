package model

import "time"

// ContextType names the kind of app entity a message can link to.
type ContextType string

const (
	ContextTypePost   ContextType = "post"
	ContextTypeReel   ContextType = "reel"
	ContextTypeStatus ContextType = "status"
)

// MessageContext is an optional reference from a message to an item elsewhere
// in the app (a post, reel or status shared into the conversation).
type MessageContext struct {
	Type    ContextType `json:"type"`
	RefID   string      `json:"ref_id"`
	Title   string      `json:"title,omitempty"`
	Image   string      `json:"image,omitempty"`
	OwnerID string      `json:"owner_id,omitempty"`
}

// Message is one timestamped text unit within a conversation. Immutable after
// send except for text/is_edited (edit) and is_deleted (soft delete).
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name"`
	SenderImage    string     `json:"sender_profile_image"`
	Text           string     `json:"text"`
	Timestamp      time.Time  `json:"timestamp"`
	IsDelivered    bool       `json:"is_delivered"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	IsEdited       bool       `json:"is_edited"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`

	Context *MessageContext `json:"context,omitempty"`
}
