// Package messaging sends, paginates, edits and soft-deletes messages, and
// keeps the parent conversation's denormalized summary and unread counters
// consistent: every counter mutation travels in the same atomic batch as the
// message mutation that caused it.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/store"
)

// Collection is the messages collection name.
const Collection = "messages"

var (
	ErrUnauthenticated = errors.New("no authenticated sender")
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrUnauthorized    = errors.New("caller does not own this content")
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type Pipeline struct {
	st    store.Store
	convs *conversation.Manager
}

func NewPipeline(st store.Store, convs *conversation.Manager) *Pipeline {
	return &Pipeline{st: st, convs: convs}
}

// convSendFields is the conversation summary update paired with a message
// create. The recipient's unread counter is not here: it travels as a
// store-level increment in the same batch, so concurrent sends never
// overwrite each other's counts.
type convSendFields struct {
	LastMessage       string    `json:"last_message"`
	LastMessageTime   time.Time `json:"last_message_timestamp"`
	LastMessageSender string    `json:"last_message_sender_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Send validates, resolves the conversation for the pair, and persists the
// message together with the conversation's denormalized summary and the
// recipient's unread increment in one atomic batch. Delivery marking follows
// immediately after persist: the backend has no recipient-device ack.
func (p *Pipeline) Send(ctx context.Context, sender, recipient model.Profile, text string, msgCtx *model.MessageContext) (*model.Message, error) {
	defer logger.DeferLogDuration("messaging.Send", time.Now())()
	if sender.ID == "" {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := p.convs.FindOrCreate(ctx, sender, recipient)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		SenderName:     sender.Name,
		SenderImage:    sender.Image,
		Text:           text,
		Timestamp:      now,
		Context:        msgCtx,
	}
	msgDoc, err := store.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("messaging.Send: %w", err)
	}

	convFields, err := store.Encode(convSendFields{
		LastMessage:       text,
		LastMessageTime:   now,
		LastMessageSender: sender.ID,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("messaging.Send: %w", err)
	}

	err = p.st.Batch(ctx, []store.Write{
		{Kind: store.WriteCreate, Collection: Collection, ID: msg.ID, Data: msgDoc},
		{Kind: store.WriteUpdate, Collection: conversation.Collection, ID: conv.ID, Data: convFields},
		{
			Kind:       store.WriteIncrement,
			Collection: conversation.Collection,
			ID:         conv.ID,
			Field:      "unread_counts." + recipient.ID,
			Delta:      1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("messaging.Send: %w", err)
	}

	deliveredAt := time.Now().UTC()
	fields, err := store.Encode(struct {
		IsDelivered bool      `json:"is_delivered"`
		DeliveredAt time.Time `json:"delivered_at"`
	}{true, deliveredAt})
	if err == nil {
		err = p.st.Update(ctx, Collection, msg.ID, fields)
	}
	if err != nil {
		// Message is persisted; a failed delivery mark is not a failed send.
		logger.Errorf("messaging.Send mark delivered msg=%s: %v", msg.ID, err)
	} else {
		msg.IsDelivered = true
		msg.DeliveredAt = &deliveredAt
	}
	return msg, nil
}

// StreamQuery is the store query behind the message-stream subscription:
// all non-deleted messages of the conversation in chronological order.
func StreamQuery(conversationID string) store.Query {
	return store.Query{
		Collection: Collection,
		Filters: []store.Filter{
			{Field: "conversation_id", Op: store.OpEqual, Value: conversationID},
			{Field: "is_deleted", Op: store.OpEqual, Value: false},
		},
		OrderBy: "timestamp",
	}
}

// Fetch returns up to limit of the newest non-deleted messages before cursor,
// in chronological (oldest first) order, plus the cursor for the next older
// page ("" when history is exhausted). Repeated calls walk backward through
// history while the caller renders forward.
func (p *Pipeline) Fetch(ctx context.Context, conversationID string, limit int, cursor string) ([]model.Message, string, error) {
	defer logger.DeferLogDuration("messaging.Fetch", time.Now())()
	if _, err := p.convs.Get(ctx, conversationID); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	// The cursor pairs the last message's timestamp with its id, so two
	// messages sharing a timestamp across a page boundary both survive.
	// A bare timestamp from an old client still parses.
	after, afterID, _ := strings.Cut(cursor, "|")
	docs, err := p.st.Query(ctx, store.Query{
		Collection: Collection,
		Filters: []store.Filter{
			{Field: "conversation_id", Op: store.OpEqual, Value: conversationID},
			{Field: "is_deleted", Op: store.OpEqual, Value: false},
		},
		OrderBy:      "timestamp",
		Desc:         true,
		Limit:        limit,
		StartAfter:   after,
		StartAfterID: afterID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("messaging.Fetch %s: %w", conversationID, err)
	}
	msgs, err := store.DecodeAll[model.Message](docs)
	if err != nil {
		return nil, "", fmt.Errorf("messaging.Fetch %s: %w", conversationID, err)
	}

	next := ""
	if len(msgs) == limit {
		last := docs[len(docs)-1]
		if ts, ok := last["timestamp"].(string); ok {
			next = ts + "|" + last.ID()
		}
	}

	// Reverse the page to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, next, nil
}

// MarkRead marks every foreign unread message of the conversation as read and
// resets the reader's unread counter, all in one batch: either every message
// flips and the counter is zero, or nothing changed.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID, readerID string) error {
	defer logger.DeferLogDuration("messaging.MarkRead", time.Now())()
	if readerID == "" {
		return ErrUnauthenticated
	}
	conv, err := p.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(readerID) {
		return conversation.ErrNotParticipant
	}

	docs, err := p.st.Query(ctx, store.Query{
		Collection: Collection,
		Filters: []store.Filter{
			{Field: "conversation_id", Op: store.OpEqual, Value: conversationID},
			{Field: "is_read", Op: store.OpEqual, Value: false},
			{Field: "sender_id", Op: store.OpNotEqual, Value: readerID},
		},
	})
	if err != nil {
		return fmt.Errorf("messaging.MarkRead %s: %w", conversationID, err)
	}

	now := time.Now().UTC()
	readFields, err := store.Encode(struct {
		IsRead bool      `json:"is_read"`
		ReadAt time.Time `json:"read_at"`
	}{true, now})
	if err != nil {
		return fmt.Errorf("messaging.MarkRead: %w", err)
	}

	// Only the reader's own entries are written. The other participant's
	// counter stays untouched even when it moved since the read above.
	writes := make([]store.Write, 0, len(docs)+3)
	for _, doc := range docs {
		writes = append(writes, store.Write{
			Kind: store.WriteUpdate, Collection: Collection, ID: doc.ID(), Data: readFields,
		})
	}
	writes = append(writes,
		store.Write{
			Kind:       store.WriteSetField,
			Collection: conversation.Collection,
			ID:         conversationID,
			Field:      "unread_counts." + readerID,
			Value:      0,
		},
		store.Write{
			Kind:       store.WriteSetField,
			Collection: conversation.Collection,
			ID:         conversationID,
			Field:      "last_read_timestamps." + readerID,
			Value:      now.Format(time.RFC3339Nano),
		},
		store.Write{
			Kind:       store.WriteUpdate,
			Collection: conversation.Collection,
			ID:         conversationID,
			Data:       store.Document{"updated_at": now.Format(time.RFC3339Nano)},
		},
	)

	if err := p.st.Batch(ctx, writes); err != nil {
		return fmt.Errorf("messaging.MarkRead %s: %w", conversationID, err)
	}
	return nil
}

// Edit replaces the text of the caller's own message and stamps it edited.
func (p *Pipeline) Edit(ctx context.Context, messageID, editorID, newText string) error {
	defer logger.DeferLogDuration("messaging.Edit", time.Now())()
	if editorID == "" {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(newText) == "" {
		return ErrEmptyMessage
	}
	msg, err := p.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != editorID {
		return ErrUnauthorized
	}

	now := time.Now().UTC()
	fields, err := store.Encode(struct {
		Text     string    `json:"text"`
		IsEdited bool      `json:"is_edited"`
		EditedAt time.Time `json:"edited_at"`
	}{newText, true, now})
	if err != nil {
		return fmt.Errorf("messaging.Edit: %w", err)
	}
	if err := p.st.Update(ctx, Collection, messageID, fields); err != nil {
		return fmt.Errorf("messaging.Edit %s: %w", messageID, err)
	}
	return nil
}

// SoftDelete hides the caller's own message from reads while keeping it in
// storage. The parent conversation's last_message summary and counters are
// not rewritten retroactively.
func (p *Pipeline) SoftDelete(ctx context.Context, messageID, requesterID string) error {
	defer logger.DeferLogDuration("messaging.SoftDelete", time.Now())()
	return p.setDeleted(ctx, messageID, requesterID, true)
}

// Restore reverses a soft delete, making the message visible again under its
// original id.
func (p *Pipeline) Restore(ctx context.Context, messageID, requesterID string) error {
	defer logger.DeferLogDuration("messaging.Restore", time.Now())()
	return p.setDeleted(ctx, messageID, requesterID, false)
}

func (p *Pipeline) setDeleted(ctx context.Context, messageID, requesterID string, deleted bool) error {
	if requesterID == "" {
		return ErrUnauthenticated
	}
	msg, err := p.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return ErrUnauthorized
	}
	err = p.st.Update(ctx, Collection, messageID, store.Document{"is_deleted": deleted})
	if err != nil {
		return fmt.Errorf("messaging.setDeleted %s: %w", messageID, err)
	}
	return nil
}

// DeleteConversation removes the conversation and every message referencing
// it — soft-deleted ones included — in a single batch.
func (p *Pipeline) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	defer logger.DeferLogDuration("messaging.DeleteConversation", time.Now())()
	if requesterID == "" {
		return ErrUnauthenticated
	}
	conv, err := p.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(requesterID) {
		return conversation.ErrNotParticipant
	}

	docs, err := p.st.Query(ctx, store.Query{
		Collection: Collection,
		Filters: []store.Filter{
			{Field: "conversation_id", Op: store.OpEqual, Value: conversationID},
		},
	})
	if err != nil {
		return fmt.Errorf("messaging.DeleteConversation %s: %w", conversationID, err)
	}

	writes := make([]store.Write, 0, len(docs)+1)
	for _, doc := range docs {
		writes = append(writes, store.Write{Kind: store.WriteDelete, Collection: Collection, ID: doc.ID()})
	}
	writes = append(writes, store.Write{Kind: store.WriteDelete, Collection: conversation.Collection, ID: conversationID})

	if err := p.st.Batch(ctx, writes); err != nil {
		return fmt.Errorf("messaging.DeleteConversation %s: %w", conversationID, err)
	}
	return nil
}

func (p *Pipeline) getMessage(ctx context.Context, id string) (*model.Message, error) {
	doc, err := p.st.Get(ctx, Collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("messaging.getMessage %s: %w", id, err)
	}
	msg := &model.Message{}
	if err := store.Decode(doc, msg); err != nil {
		return nil, fmt.Errorf("messaging.getMessage %s: %w", id, err)
	}
	return msg, nil
}
