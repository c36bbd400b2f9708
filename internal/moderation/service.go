// Package moderation implements the per-conversation block list and abuse
// reports. Blocking hides a conversation from the blocker's listings;
// conversation and message history stay intact, so unblocking restores
// everything. Reports are append-only and never touch the reported content.
package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/store"
)

// ReportsCollection is the abuse reports collection name.
const ReportsCollection = "reports"

type Service struct {
	st    store.Store
	convs *conversation.Manager
}

func NewService(st store.Store, convs *conversation.Manager) *Service {
	return &Service{st: st, convs: convs}
}

// Block adds blockerID to the conversation's block list. Idempotent.
func (s *Service) Block(ctx context.Context, conversationID, blockerID string) error {
	defer logger.DeferLogDuration("moderation.Block", time.Now())()
	conv, err := s.participantConv(ctx, conversationID, blockerID)
	if err != nil {
		return err
	}
	if conv.IsBlockedBy(blockerID) {
		return nil
	}
	blocked := append(conv.WithoutBlocker(blockerID), blockerID)
	return s.updateBlocked(ctx, conversationID, blocked)
}

// Unblock removes blockerID from the conversation's block list. Idempotent.
func (s *Service) Unblock(ctx context.Context, conversationID, blockerID string) error {
	defer logger.DeferLogDuration("moderation.Unblock", time.Now())()
	conv, err := s.participantConv(ctx, conversationID, blockerID)
	if err != nil {
		return err
	}
	if !conv.IsBlockedBy(blockerID) {
		return nil
	}
	return s.updateBlocked(ctx, conversationID, conv.WithoutBlocker(blockerID))
}

func (s *Service) participantConv(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	if userID == "" {
		return nil, messaging.ErrUnauthenticated
	}
	conv, err := s.convs.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, conversation.ErrNotParticipant
	}
	return conv, nil
}

func (s *Service) updateBlocked(ctx context.Context, conversationID string, blocked []string) error {
	fields, err := store.Encode(struct {
		BlockedUsers []string  `json:"blocked_users"`
		UpdatedAt    time.Time `json:"updated_at"`
	}{blocked, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("moderation.updateBlocked: %w", err)
	}
	if err := s.st.Update(ctx, conversation.Collection, conversationID, fields); err != nil {
		return fmt.Errorf("moderation.updateBlocked %s: %w", conversationID, err)
	}
	return nil
}

// Report files an append-only abuse report against a user within a
// conversation, optionally pinned to one message.
func (s *Service) Report(ctx context.Context, conversationID, reporterID, reportedUserID, reason, messageID, details string) (*model.Report, error) {
	defer logger.DeferLogDuration("moderation.Report", time.Now())()
	if _, err := s.participantConv(ctx, conversationID, reporterID); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, fmt.Errorf("moderation.Report: empty reason")
	}

	rep := &model.Report{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ReporterID:     reporterID,
		ReportedUserID: reportedUserID,
		Reason:         reason,
		MessageID:      messageID,
		Details:        details,
		CreatedAt:      time.Now().UTC(),
	}
	doc, err := store.Encode(rep)
	if err != nil {
		return nil, fmt.Errorf("moderation.Report: %w", err)
	}
	if err := s.st.CreateWithID(ctx, ReportsCollection, rep.ID, doc); err != nil {
		return nil, fmt.Errorf("moderation.Report: %w", err)
	}
	return rep, nil
}
