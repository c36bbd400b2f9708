// Package conversation resolves and lists two-party conversations.
//
// Conversation identity is deterministic: the document id is a UUIDv5 of the
// canonically sorted participant pair, and creation is a conditional write.
// Concurrent first-contact sends from both sides therefore converge on one
// document — the loser of the create race reads the winner's conversation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/store"
)

// Collection is the conversations collection name.
const Collection = "conversations"

var (
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrNotParticipant   = errors.New("user is not a participant of this conversation")
)

// pairNamespace is the fixed UUIDv5 namespace for conversation ids.
// Changing it would re-key every existing conversation.
var pairNamespace = uuid.MustParse("b6f4a7e2-3d1c-4a8f-9b5e-2c7d0e481f36")

// PairID derives the conversation id for an unordered user pair.
func PairID(a, b string) string {
	x, y := model.SortPair(a, b)
	return uuid.NewSHA1(pairNamespace, []byte(x+"\x00"+y)).String()
}

type Manager struct {
	st store.Store
}

func NewManager(st store.Store) *Manager {
	return &Manager{st: st}
}

// FindOrCreate returns the single conversation for the pair, creating it with
// zeroed counters and denormalized display fields if it does not exist yet.
// Idempotent for any argument order.
func (m *Manager) FindOrCreate(ctx context.Context, a, b model.Profile) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.FindOrCreate", time.Now())()
	if a.ID == b.ID {
		return nil, ErrSelfConversation
	}
	id := PairID(a.ID, b.ID)

	conv, err := m.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fresh := model.NewConversation(id, a, b, time.Now().UTC())
	doc, err := store.Encode(fresh)
	if err != nil {
		return nil, fmt.Errorf("conversation.FindOrCreate: %w", err)
	}
	err = m.st.CreateWithID(ctx, Collection, id, doc)
	if errors.Is(err, store.ErrExists) {
		// Other participant won the create race; use their document.
		return m.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation.FindOrCreate: %w", err)
	}
	return fresh, nil
}

// Get loads a conversation by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.Conversation, error) {
	doc, err := m.st.Get(ctx, Collection, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("conversation.Get %s: %w", id, err)
	}
	conv := &model.Conversation{}
	if err := store.Decode(doc, conv); err != nil {
		return nil, fmt.Errorf("conversation.Get %s: %w", id, err)
	}
	return conv, nil
}

// ListQuery is the store query behind List and the conversation-list
// subscription: every conversation containing the user, newest activity first.
func ListQuery(userID string) store.Query {
	return store.Query{
		Collection: Collection,
		Filters: []store.Filter{
			{Field: "participant_ids", Op: store.OpArrayContains, Value: userID},
		},
		OrderBy: "last_message_timestamp",
		Desc:    true,
	}
}

// List returns the user's conversations ordered by last activity descending,
// excluding conversations the user has blocked. Blocking hides, never deletes.
func (m *Manager) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.List", time.Now())()
	docs, err := m.st.Query(ctx, ListQuery(userID))
	if err != nil {
		return nil, fmt.Errorf("conversation.List %s: %w", userID, err)
	}
	all, err := store.DecodeAll[model.Conversation](docs)
	if err != nil {
		return nil, fmt.Errorf("conversation.List %s: %w", userID, err)
	}
	out := make([]model.Conversation, 0, len(all))
	for _, conv := range all {
		if !conv.IsBlockedBy(userID) {
			out = append(out, conv)
		}
	}
	return out, nil
}

// UnreadTotal sums the user's unread counters across their visible
// conversations (blocked ones are excluded, matching List).
func (m *Manager) UnreadTotal(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("conversation.UnreadTotal", time.Now())()
	convs, err := m.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, conv := range convs {
		total += conv.UnreadCounts[userID]
	}
	return total, nil
}
