package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/session"
	"github.com/marketchat/internal/store/memory"
)

// dialConn gives a real websocket connection backed by a throwaway echo
// server, for clients that never exchange frames in the test.
func dialConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func clientCount(g *Gateway) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func TestGateway_RejectedClientLosesItsListeners(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { st.Close() })

	gw := NewGateway(1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx)

	first := NewClient(gw, dialConn(t), session.New(model.Profile{ID: "user-a"}, st))
	gw.Register(first)
	require.Eventually(t, func() bool { return clientCount(gw) == 1 }, 2*time.Second, 10*time.Millisecond)

	// The over-limit client already subscribed by the time admission lands,
	// as a connection whose pumps started before Register would have.
	over := session.New(model.Profile{ID: "user-b"}, st)
	second := NewClient(gw, dialConn(t), over)
	over.SubscribeToConversations(context.Background(), func([]model.Conversation, error) {})
	require.Equal(t, 1, over.ActiveListeners())

	gw.Register(second)
	require.Eventually(t, func() bool { return over.ActiveListeners() == 0 },
		2*time.Second, 10*time.Millisecond, "rejected connection kept its listeners")
	require.Equal(t, 1, clientCount(gw))
}

func TestGateway_RegisterAfterShutdownLosesListeners(t *testing.T) {
	st := memory.New()
	t.Cleanup(func() { st.Close() })

	gw := NewGateway(10)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	cancel()
	select {
	case <-gw.done:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never shut down")
	}

	sess := session.New(model.Profile{ID: "user-late"}, st)
	late := NewClient(gw, dialConn(t), sess)
	sess.SubscribeToConversations(context.Background(), func([]model.Conversation, error) {})
	require.Equal(t, 1, sess.ActiveListeners())

	gw.Register(late)
	require.Equal(t, 0, sess.ActiveListeners())
}
