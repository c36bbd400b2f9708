package ws

// EventType discriminates frames on the sync socket.
type EventType string

const (
	// client -> server
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"

	// server -> client
	EventSnapshot EventType = "snapshot"
	EventError    EventType = "error"
)

// Stream names a subscribable resource class.
type Stream string

const (
	StreamConversations Stream = "conversations"
	StreamMessages      Stream = "messages"
	StreamLikes         Stream = "likes"
	StreamReviews       Stream = "reviews"
)

// IncomingEvent is what the client sends: a subscribe or unsubscribe request.
// Resource is the conversation id for messages, the item id for likes, the
// user id for reviews; ignored for the caller's own conversation list.
type IncomingEvent struct {
	Type     EventType `json:"type"`
	Stream   Stream    `json:"stream"`
	Resource string    `json:"resource,omitempty"`
}

// OutgoingEvent is what the server sends. Snapshot payloads are the full
// current result of the subscribed query; error frames carry the failure of
// the same stream instead of a payload.
type OutgoingEvent struct {
	Type     EventType `json:"type"`
	Stream   Stream    `json:"stream,omitempty"`
	Resource string    `json:"resource,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	Error    string    `json:"error,omitempty"`
}
