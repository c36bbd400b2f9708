// Package session is the per-user surface of the sync core. A Session is
// created at sign-in, owns the user's listener registry, and is torn down
// exactly once at sign-out — no subscription survives it.
package session

import (
	"context"
	"sync"

	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/listener"
	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/moderation"
	"github.com/marketchat/internal/store"
)

const (
	likesCollection   = "likes"
	reviewsCollection = "reviews"
)

type Session struct {
	profile  model.Profile
	st       store.Store
	registry *listener.Registry
	convs    *conversation.Manager
	pipeline *messaging.Pipeline
	mod      *moderation.Service

	teardownOnce sync.Once
	teardownErr  error
}

func New(profile model.Profile, st store.Store) *Session {
	convs := conversation.NewManager(st)
	return &Session{
		profile:  profile,
		st:       st,
		registry: listener.NewRegistry(st),
		convs:    convs,
		pipeline: messaging.NewPipeline(st, convs),
		mod:      moderation.NewService(st, convs),
	}
}

func (s *Session) UserID() string { return s.profile.ID }

// FindOrCreateConversation resolves the conversation between the session user
// and other, creating it on first contact.
func (s *Session) FindOrCreateConversation(ctx context.Context, other model.Profile) (string, error) {
	conv, err := s.convs.FindOrCreate(ctx, s.profile, other)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (s *Session) SendMessage(ctx context.Context, recipient model.Profile, text string, msgCtx *model.MessageContext) (*model.Message, error) {
	return s.pipeline.Send(ctx, s.profile, recipient, text, msgCtx)
}

func (s *Session) FetchMessages(ctx context.Context, conversationID string, limit int, cursor string) ([]model.Message, string, error) {
	return s.pipeline.Fetch(ctx, conversationID, limit, cursor)
}

func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	return s.pipeline.MarkRead(ctx, conversationID, s.profile.ID)
}

func (s *Session) EditMessage(ctx context.Context, messageID, newText string) error {
	return s.pipeline.Edit(ctx, messageID, s.profile.ID, newText)
}

func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	return s.pipeline.SoftDelete(ctx, messageID, s.profile.ID)
}

func (s *Session) RestoreMessage(ctx context.Context, messageID string) error {
	return s.pipeline.Restore(ctx, messageID, s.profile.ID)
}

func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.pipeline.DeleteConversation(ctx, conversationID, s.profile.ID)
}

func (s *Session) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return s.convs.List(ctx, s.profile.ID)
}

func (s *Session) UnreadTotal(ctx context.Context) (int, error) {
	return s.convs.UnreadTotal(ctx, s.profile.ID)
}

func (s *Session) Block(ctx context.Context, conversationID string) error {
	return s.mod.Block(ctx, conversationID, s.profile.ID)
}

func (s *Session) Unblock(ctx context.Context, conversationID string) error {
	return s.mod.Unblock(ctx, conversationID, s.profile.ID)
}

func (s *Session) Report(ctx context.Context, conversationID, reportedUserID, reason, messageID, details string) (*model.Report, error) {
	return s.mod.Report(ctx, conversationID, s.profile.ID, reportedUserID, reason, messageID, details)
}

// SubscribeToConversations streams the user's conversation list (blocked
// conversations filtered out) on every change. Replaces any previous
// conversation-list subscription of this session.
func (s *Session) SubscribeToConversations(ctx context.Context, fn func([]model.Conversation, error)) *listener.Handle {
	return s.registry.Subscribe(ctx, listener.KindConversationList, s.profile.ID,
		conversation.ListQuery(s.profile.ID),
		func(snap store.Snapshot) {
			if snap.Err != nil {
				fn(nil, snap.Err)
				return
			}
			all, err := store.DecodeAll[model.Conversation](snap.Docs)
			if err != nil {
				fn(nil, err)
				return
			}
			visible := make([]model.Conversation, 0, len(all))
			for _, conv := range all {
				if !conv.IsBlockedBy(s.profile.ID) {
					visible = append(visible, conv)
				}
			}
			fn(visible, nil)
		})
}

// SubscribeToMessages streams the conversation's non-deleted messages in
// chronological order on every change.
func (s *Session) SubscribeToMessages(ctx context.Context, conversationID string, fn func([]model.Message, error)) *listener.Handle {
	return s.registry.Subscribe(ctx, listener.KindMessageStream, conversationID,
		messaging.StreamQuery(conversationID),
		func(snap store.Snapshot) {
			if snap.Err != nil {
				fn(nil, snap.Err)
				return
			}
			msgs, err := store.DecodeAll[model.Message](snap.Docs)
			fn(msgs, err)
		})
}

// SubscribeToLikes streams raw like documents for an item. The like feed
// itself lives outside this core; the registry semantics (one live listener
// per item, teardown on sign-out) are what this session provides.
func (s *Session) SubscribeToLikes(ctx context.Context, itemID string, fn func(store.Snapshot)) *listener.Handle {
	return s.registry.Subscribe(ctx, listener.KindLikeStream, itemID, store.Query{
		Collection: likesCollection,
		Filters:    []store.Filter{{Field: "item_id", Op: store.OpEqual, Value: itemID}},
		OrderBy:    "created_at",
	}, fn)
}

// SubscribeToReviews streams raw review documents for a user.
func (s *Session) SubscribeToReviews(ctx context.Context, userID string, fn func(store.Snapshot)) *listener.Handle {
	return s.registry.Subscribe(ctx, listener.KindReviewStream, userID, store.Query{
		Collection: reviewsCollection,
		Filters:    []store.Filter{{Field: "user_id", Op: store.OpEqual, Value: userID}},
		OrderBy:    "created_at",
	}, fn)
}

// Unsubscribe cancels one subscription by key. No-op if absent.
func (s *Session) Unsubscribe(kind listener.Kind, resource string) {
	s.registry.Unsubscribe(kind, resource)
}

// ActiveListeners reports the number of live subscriptions (leak detection).
func (s *Session) ActiveListeners() int {
	return s.registry.ActiveCount()
}

// Teardown cancels every subscription of the session. Runs at most once;
// repeated calls return the first result.
func (s *Session) Teardown() error {
	s.teardownOnce.Do(func() {
		s.teardownErr = s.registry.UnsubscribeAll()
	})
	return s.teardownErr
}
