package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/store/memory"
	"github.com/marketchat/internal/ws"
)

func newWSServer(t *testing.T) (*httptest.Server, *messaging.Pipeline) {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })

	gw := ws.NewGateway(100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	wsH := NewWSHandler(gw, st, "*")
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.UserAuth("", nil))
		r.Get("/ws", wsH.ServeWS)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	convs := conversation.NewManager(st)
	return srv, messaging.NewPipeline(st, convs)
}

func dialWS(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	hdr := http.Header{}
	if userID != "" {
		hdr.Set("X-User-Id", userID)
		hdr.Set("X-User-Name", userID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.OutgoingEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev ws.OutgoingEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWS_RejectsUnauthenticated(t *testing.T) {
	srv, _ := newWSServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_ConversationStream(t *testing.T) {
	srv, pipeline := newWSServer(t)
	conn := dialWS(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(ws.IncomingEvent{
		Type:   ws.EventSubscribe,
		Stream: ws.StreamConversations,
	}))

	// initial snapshot: alice has no conversations yet
	ev := readEvent(t, conn)
	require.Equal(t, ws.EventSnapshot, ev.Type)
	require.Equal(t, ws.StreamConversations, ev.Stream)
	assert.Equal(t, "alice", ev.Resource)

	// a message from bob must surface on alice's stream
	_, err := pipeline.Send(context.Background(),
		model.Profile{ID: "bob", Name: "Bob"},
		model.Profile{ID: "alice", Name: "Alice"},
		"hello over the wire", nil)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ev := readEvent(t, conn)
		require.Equal(t, ws.EventSnapshot, ev.Type)
		convs, ok := ev.Payload.([]any)
		if ok && len(convs) == 1 {
			conv, ok := convs[0].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "hello over the wire", conv["last_message"])
			return
		}
		require.True(t, time.Now().Before(deadline), "conversation never surfaced")
	}
}

func TestWS_MessageStreamRequiresResource(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dialWS(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(ws.IncomingEvent{
		Type:   ws.EventSubscribe,
		Stream: ws.StreamMessages,
	}))
	ev := readEvent(t, conn)
	assert.Equal(t, ws.EventError, ev.Type)
	assert.Equal(t, "resource required", ev.Error)
}

func TestWS_UnknownEvents(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dialWS(t, srv, "alice")

	require.NoError(t, conn.WriteJSON(ws.IncomingEvent{Type: "nonsense"}))
	ev := readEvent(t, conn)
	assert.Equal(t, ws.EventError, ev.Type)

	require.NoError(t, conn.WriteJSON(ws.IncomingEvent{Type: ws.EventSubscribe, Stream: "nonsense"}))
	ev = readEvent(t, conn)
	assert.Equal(t, ws.EventError, ev.Type)
}

func TestWS_MessageStream(t *testing.T) {
	srv, pipeline := newWSServer(t)
	ctx := context.Background()

	sent, err := pipeline.Send(ctx,
		model.Profile{ID: "bob", Name: "Bob"},
		model.Profile{ID: "alice", Name: "Alice"},
		"first", nil)
	require.NoError(t, err)

	conn := dialWS(t, srv, "alice")
	require.NoError(t, conn.WriteJSON(ws.IncomingEvent{
		Type:     ws.EventSubscribe,
		Stream:   ws.StreamMessages,
		Resource: sent.ConversationID,
	}))

	ev := readEvent(t, conn)
	require.Equal(t, ws.EventSnapshot, ev.Type)
	require.Equal(t, ws.StreamMessages, ev.Stream)
	assert.Equal(t, sent.ConversationID, ev.Resource)
	msgs, ok := ev.Payload.([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)

	// unsubscribe, then new messages stay silent
	require.NoError(t, conn.WriteJSON(ws.IncomingEvent{
		Type:     ws.EventUnsubscribe,
		Stream:   ws.StreamMessages,
		Resource: sent.ConversationID,
	}))
	time.Sleep(50 * time.Millisecond)
	_, err = pipeline.Send(ctx,
		model.Profile{ID: "bob", Name: "Bob"},
		model.Profile{ID: "alice", Name: "Alice"},
		"second", nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var after ws.OutgoingEvent
	readErr := conn.ReadJSON(&after)
	assert.Error(t, readErr, "no snapshot expected after unsubscribe")
}
