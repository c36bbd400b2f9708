package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
)

type ConversationHandler struct {
	convs    *conversation.Manager
	pipeline *messaging.Pipeline
}

func NewConversationHandler(convs *conversation.Manager, pipeline *messaging.Pipeline) *ConversationHandler {
	return &ConversationHandler{convs: convs, pipeline: pipeline}
}

type FindOrCreateRequest struct {
	Other model.Profile `json:"other"`
	// Денормализованные поля текущего пользователя: профили хранятся вне
	// этого сервиса, клиент передаёт их при первом контакте.
	SelfName  string `json:"self_name"`
	SelfImage string `json:"self_image"`
}

func (h *ConversationHandler) selfProfile(r *http.Request, name, image string) model.Profile {
	if name == "" {
		name = middleware.GetUserName(r.Context())
	}
	return model.Profile{
		ID:    middleware.GetUserID(r.Context()),
		Name:  name,
		Image: image,
	}
}

// FindOrCreate resolves the single conversation between the current user and
// the other profile, creating it on first contact.
func (h *ConversationHandler) FindOrCreate(w http.ResponseWriter, r *http.Request) {
	var req FindOrCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Other.ID == "" {
		writeError(w, http.StatusBadRequest, "other.id required")
		return
	}
	self := h.selfProfile(r, req.SelfName, req.SelfImage)
	if self.ID == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	conv, err := h.convs.FindOrCreate(r.Context(), self, req.Other)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// List returns the current user's conversations, newest activity first,
// blocked ones excluded.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convs, err := h.convs.List(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// UnreadTotal returns the sum of the user's unread counters.
func (h *ConversationHandler) UnreadTotal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	total, err := h.convs.UnreadTotal(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}

// Delete removes the conversation and all of its messages.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if err := h.pipeline.DeleteConversation(r.Context(), conversationID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
