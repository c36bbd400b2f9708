package model

import (
	"sort"
	"time"
)

// Conversation is the persistent two-party thread container. Display names,
// avatars, the last-message summary and per-user unread counters are
// denormalized onto the document so listing conversations needs no joins.
type Conversation struct {
	ID                 string               `json:"id"`
	ParticipantIDs     []string             `json:"participant_ids"`
	ParticipantNames   map[string]string    `json:"participant_names"`
	ParticipantImages  map[string]string    `json:"participant_images"`
	LastMessage        string               `json:"last_message"`
	LastMessageTime    time.Time            `json:"last_message_timestamp"`
	LastMessageSender  string               `json:"last_message_sender_id"`
	UnreadCounts       map[string]int       `json:"unread_counts"`
	LastReadTimestamps map[string]time.Time `json:"last_read_timestamps"`
	BlockedUsers       []string             `json:"blocked_users"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// SortPair returns the two user ids in canonical (lexicographic) order.
// Conversation identity is derived from this order, so (a,b) and (b,a)
// always resolve to the same document.
func SortPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// IsBlockedBy reports whether userID has blocked this conversation.
func (c *Conversation) IsBlockedBy(userID string) bool {
	for _, id := range c.BlockedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// WithoutBlocker returns blocked_users with userID removed, order preserved.
func (c *Conversation) WithoutBlocker(userID string) []string {
	out := make([]string, 0, len(c.BlockedUsers))
	for _, id := range c.BlockedUsers {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// Profile is the denormalized display identity of a user, supplied by the
// caller: profile storage lives outside this core.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// NewConversation builds a fresh conversation document for the given pair
// with zeroed counters and an empty block list. Participant order is
// canonical regardless of argument order.
func NewConversation(id string, a, b Profile, now time.Time) *Conversation {
	ids := []string{a.ID, b.ID}
	sort.Strings(ids)
	return &Conversation{
		ID:                 id,
		ParticipantIDs:     ids,
		ParticipantNames:   map[string]string{a.ID: a.Name, b.ID: b.Name},
		ParticipantImages:  map[string]string{a.ID: a.Image, b.ID: b.Image},
		UnreadCounts:       map[string]int{a.ID: 0, b.ID: 0},
		LastReadTimestamps: map[string]time.Time{},
		BlockedUsers:       []string{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
