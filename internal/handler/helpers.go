package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps the core error taxonomy to HTTP statuses. Unknown
// errors are backend failures: logged and surfaced as 502, never swallowed.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, messaging.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, messaging.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message text is empty")
	case errors.Is(err, conversation.ErrSelfConversation):
		writeError(w, http.StatusBadRequest, "cannot message yourself")
	case errors.Is(err, messaging.ErrUnauthorized), errors.Is(err, conversation.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		logger.Errorf("store error: %v", err)
		writeError(w, http.StatusBadGateway, "store error")
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
