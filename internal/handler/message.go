package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
)

type MessageHandler struct {
	pipeline *messaging.Pipeline
}

func NewMessageHandler(pipeline *messaging.Pipeline) *MessageHandler {
	return &MessageHandler{pipeline: pipeline}
}

type SendRequest struct {
	Recipient model.Profile         `json:"recipient"`
	Text      string                `json:"text"`
	Context   *model.MessageContext `json:"context,omitempty"`
	SelfName  string                `json:"self_name"`
	SelfImage string                `json:"self_image"`
}

// Send persists a message to the recipient, creating the conversation on
// first contact. A failed send changes nothing server-side: the client keeps
// the compose input and may retry.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	name := req.SelfName
	if name == "" {
		name = middleware.GetUserName(r.Context())
	}
	sender := model.Profile{
		ID:    middleware.GetUserID(r.Context()),
		Name:  name,
		Image: req.SelfImage,
	}

	msg, err := h.pipeline.Send(r.Context(), sender, req.Recipient, req.Text, req.Context)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type messagesPage struct {
	Messages   []model.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// List returns one page of the conversation history, oldest first. The
// cursor from the previous response loads the next older page.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 0)
	cursor := r.URL.Query().Get("cursor")

	msgs, next, err := h.pipeline.Fetch(r.Context(), conversationID, limit, cursor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesPage{Messages: msgs, NextCursor: next})
}

// MarkRead flips every foreign unread message of the conversation and zeroes
// the reader's unread counter in one batch.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if err := h.pipeline.MarkRead(r.Context(), conversationID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type EditRequest struct {
	Text string `json:"text"`
}

// Edit replaces the text of the caller's own message.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	messageID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if err := h.pipeline.Edit(r.Context(), messageID, userID, req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete soft-deletes the caller's own message.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if err := h.pipeline.SoftDelete(r.Context(), messageID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Restore reverses a soft delete of the caller's own message.
func (h *MessageHandler) Restore(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if err := h.pipeline.Restore(r.Context(), messageID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
