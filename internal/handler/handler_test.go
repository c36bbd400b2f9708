package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/moderation"
	"github.com/marketchat/internal/store/memory"
)

// newTestServer wires the API routes the way services/sync does, over a
// memory store, with header-trusting auth (dev mode).
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })

	convs := conversation.NewManager(st)
	pipeline := messaging.NewPipeline(st, convs)
	mod := moderation.NewService(st, convs)

	convH := NewConversationHandler(convs, pipeline)
	msgH := NewMessageHandler(pipeline)
	modH := NewModerationHandler(mod)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.UserAuth("", nil))
		r.Post("/api/conversations", convH.FindOrCreate)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/unread", convH.UnreadTotal)
		r.Delete("/api/conversations/{id}", convH.Delete)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/conversations/{id}/read", msgH.MarkRead)
		r.Post("/api/conversations/{id}/block", modH.Block)
		r.Delete("/api/conversations/{id}/block", modH.Unblock)
		r.Post("/api/conversations/{id}/report", modH.Report)
		r.Post("/api/messages", msgH.Send)
		r.Put("/api/messages/{id}", msgH.Edit)
		r.Delete("/api/messages/{id}", msgH.Delete)
		r.Post("/api/messages/{id}/restore", msgH.Restore)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
		req.Header.Set("X-User-Name", userID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func sendMessage(t *testing.T, srv *httptest.Server, from, to, text string) model.Message {
	resp := do(t, srv, http.MethodPost, "/api/messages", from, SendRequest{
		Recipient: model.Profile{ID: to, Name: to},
		Text:      text,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[model.Message](t, resp)
}

func TestAPI_SendAndList(t *testing.T) {
	srv := newTestServer(t)

	msg := sendMessage(t, srv, "alice", "bob", "hello")
	assert.Equal(t, "alice", msg.SenderID)
	assert.True(t, msg.IsDelivered)

	resp := do(t, srv, http.MethodGet, "/api/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := decode[[]model.Conversation](t, resp)
	require.Len(t, convs, 1)
	assert.Equal(t, "hello", convs[0].LastMessage)
	assert.Equal(t, 1, convs[0].UnreadCounts["bob"])

	resp = do(t, srv, http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[messagesPage](t, resp)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Text)
	assert.Empty(t, page.NextCursor)
}

func TestAPI_Unauthenticated(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, srv, http.MethodPost, "/api/messages", "", SendRequest{
		Recipient: model.Profile{ID: "bob"},
		Text:      "hi",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_SendValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/api/messages", "alice", SendRequest{
		Recipient: model.Profile{ID: "bob"},
		Text:      "   ",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodPost, "/api/messages", "alice", SendRequest{
		Recipient: model.Profile{ID: "alice"},
		Text:      "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_MarkReadAndUnread(t *testing.T) {
	srv := newTestServer(t)
	msg := sendMessage(t, srv, "alice", "bob", "unread")

	resp := do(t, srv, http.MethodGet, "/api/conversations/unread", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[map[string]int](t, resp)["total"])

	resp = do(t, srv, http.MethodPost, "/api/conversations/"+msg.ConversationID+"/read", "bob", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/conversations/unread", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[map[string]int](t, resp)["total"])
}

func TestAPI_EditDeleteRestore(t *testing.T) {
	srv := newTestServer(t)
	msg := sendMessage(t, srv, "alice", "bob", "draft")

	// only the sender may edit
	resp := do(t, srv, http.MethodPut, "/api/messages/"+msg.ID, "bob", EditRequest{Text: "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, srv, http.MethodPut, "/api/messages/"+msg.ID, "alice", EditRequest{Text: "final"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/messages/"+msg.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[messagesPage](t, resp).Messages)

	resp = do(t, srv, http.MethodPost, "/api/messages/"+msg.ID+"/restore", "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages", "alice", nil)
	page := decode[messagesPage](t, resp)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "final", page.Messages[0].Text)
}

func TestAPI_Pagination(t *testing.T) {
	srv := newTestServer(t)
	var convID string
	for i := 0; i < 5; i++ {
		convID = sendMessage(t, srv, "alice", "bob", fmt.Sprintf("msg-%d", i)).ConversationID
	}

	resp := do(t, srv, http.MethodGet, "/api/conversations/"+convID+"/messages?limit=3", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[messagesPage](t, resp)
	require.Len(t, page.Messages, 3)
	require.NotEmpty(t, page.NextCursor)

	resp = do(t, srv, http.MethodGet,
		"/api/conversations/"+convID+"/messages?limit=3&cursor="+page.NextCursor, "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page2 := decode[messagesPage](t, resp)
	assert.Len(t, page2.Messages, 2)
}

func TestAPI_BlockReport(t *testing.T) {
	srv := newTestServer(t)
	msg := sendMessage(t, srv, "alice", "bob", "spam")

	resp := do(t, srv, http.MethodPost, "/api/conversations/"+msg.ConversationID+"/block", "bob", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/conversations", "bob", nil)
	assert.Empty(t, decode[[]model.Conversation](t, resp))

	resp = do(t, srv, http.MethodPost, "/api/conversations/"+msg.ConversationID+"/report", "bob", ReportRequest{
		ReportedUserID: "alice",
		Reason:         "spam",
		MessageID:      msg.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rep := decode[model.Report](t, resp)
	assert.Equal(t, "bob", rep.ReporterID)

	// missing reason is rejected before touching the store
	resp = do(t, srv, http.MethodPost, "/api/conversations/"+msg.ConversationID+"/report", "bob", ReportRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/conversations/"+msg.ConversationID+"/block", "bob", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, "/api/conversations", "bob", nil)
	assert.Len(t, decode[[]model.Conversation](t, resp), 1)
}

func TestAPI_DeleteConversation(t *testing.T) {
	srv := newTestServer(t)
	msg := sendMessage(t, srv, "alice", "bob", "bye")

	// non-participant is rejected
	resp := do(t, srv, http.MethodDelete, "/api/conversations/"+msg.ConversationID, "eve", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, srv, http.MethodDelete, "/api/conversations/"+msg.ConversationID, "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/api/conversations/"+msg.ConversationID+"/messages", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
