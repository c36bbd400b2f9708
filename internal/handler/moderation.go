package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/moderation"
)

type ModerationHandler struct {
	mod *moderation.Service
}

func NewModerationHandler(mod *moderation.Service) *ModerationHandler {
	return &ModerationHandler{mod: mod}
}

// Block hides the conversation from the caller's listings. Reversible.
func (h *ModerationHandler) Block(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if err := h.mod.Block(r.Context(), conversationID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unblock restores the conversation to the caller's listings.
func (h *ModerationHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())
	if err := h.mod.Unblock(r.Context(), conversationID, userID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ReportRequest struct {
	ReportedUserID string `json:"reported_user_id"`
	Reason         string `json:"reason"`
	MessageID      string `json:"message_id,omitempty"`
	Details        string `json:"details,omitempty"`
}

// Report files an append-only abuse report for the conversation.
func (h *ModerationHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason required")
		return
	}
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r.Context())

	rep, err := h.mod.Report(r.Context(), conversationID, userID, req.ReportedUserID, req.Reason, req.MessageID, req.Details)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}
