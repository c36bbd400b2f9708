package ws

import (
	"context"
	"sync"
	"time"

	"github.com/marketchat/internal/listener"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/model"
	"github.com/marketchat/internal/store"
)

// Gateway owns the live WebSocket connections. Each connection carries its
// own listener session; the gateway's job is admission (connection limit),
// event dispatch, and tearing sessions down when the socket goes away.
type Gateway struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	maxConns int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewGateway(maxConns int) *Gateway {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Gateway{
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return
		case client := <-g.register:
			g.addClient(client)
		case client := <-g.unregister:
			g.removeClient(client)
		}
	}
}

func (g *Gateway) shutdown() {
	// Unblock Register/Unregister first: pumps exiting below would otherwise
	// block on the unregister channel nobody drains anymore.
	close(g.done)

	// Collect all clients under the lock, do NOT perform I/O under mutex.
	g.mu.Lock()
	all := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		all = append(all, c)
	}
	g.clients = make(map[*Client]struct{})
	g.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
		g.teardown(c)
	}

	// Registrations that reached the buffer before done closed.
	for {
		select {
		case c := <-g.register:
			c.Close()
			g.teardown(c)
		default:
			return
		}
	}
}

func (g *Gateway) addClient(c *Client) {
	g.mu.Lock()
	if len(g.clients) >= g.maxConns {
		g.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", g.maxConns, c.userID())
		// The pumps are already running and may have subscribed before the
		// rejection lands, so the session is torn down here; the later
		// Unregister finds the client absent and does nothing.
		c.Close()
		g.teardown(c)
		return
	}
	g.clients[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) removeClient(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c)
	g.mu.Unlock()

	// Network I/O and listener teardown outside the lock.
	c.Close()
	g.teardown(c)
}

// teardown cancels every subscription the connection established. A listener
// surviving its socket is a leak, so a non-zero count before teardown is
// normal but a teardown error is not.
func (g *Gateway) teardown(c *Client) {
	defer logger.DeferLogDuration("ws.teardown", time.Now())()
	if err := c.sess.Teardown(); err != nil {
		logger.Errorf("ws session teardown user=%s: %v", c.userID(), err)
	}
	if n := c.sess.ActiveListeners(); n != 0 {
		logger.Errorf("ws session user=%s leaked %d listeners after teardown", c.userID(), n)
	}
}

// HandleEvent dispatches an incoming frame from one client.
func (g *Gateway) HandleEvent(c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventSubscribe:
		g.handleSubscribe(c, ev)
	case EventUnsubscribe:
		g.handleUnsubscribe(c, ev)
	default:
		g.sendToClient(c, OutgoingEvent{Type: EventError, Error: "unknown event type"})
	}
}

func (g *Gateway) handleSubscribe(c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleSubscribe", time.Now())()
	switch ev.Stream {
	case StreamConversations:
		resource := c.userID()
		c.sess.SubscribeToConversations(c.ctx, func(convs []model.Conversation, err error) {
			g.pushSnapshot(c, StreamConversations, resource, convs, err)
		})
	case StreamMessages:
		if ev.Resource == "" {
			g.sendToClient(c, OutgoingEvent{Type: EventError, Stream: ev.Stream, Error: "resource required"})
			return
		}
		resource := ev.Resource
		c.sess.SubscribeToMessages(c.ctx, resource, func(msgs []model.Message, err error) {
			g.pushSnapshot(c, StreamMessages, resource, msgs, err)
		})
	case StreamLikes, StreamReviews:
		if ev.Resource == "" {
			g.sendToClient(c, OutgoingEvent{Type: EventError, Stream: ev.Stream, Error: "resource required"})
			return
		}
		g.subscribeRaw(c, ev.Stream, ev.Resource)
	default:
		g.sendToClient(c, OutgoingEvent{Type: EventError, Error: "unknown stream"})
	}
}

// subscribeRaw wires the like and review streams, which carry raw documents.
func (g *Gateway) subscribeRaw(c *Client, stream Stream, resource string) {
	fn := func(snap store.Snapshot) {
		g.pushSnapshot(c, stream, resource, snap.Docs, snap.Err)
	}
	if stream == StreamLikes {
		c.sess.SubscribeToLikes(c.ctx, resource, fn)
		return
	}
	c.sess.SubscribeToReviews(c.ctx, resource, fn)
}

func (g *Gateway) handleUnsubscribe(c *Client, ev IncomingEvent) {
	kind, ok := streamKind(ev.Stream)
	if !ok {
		g.sendToClient(c, OutgoingEvent{Type: EventError, Error: "unknown stream"})
		return
	}
	resource := ev.Resource
	if ev.Stream == StreamConversations {
		resource = c.userID()
	}
	c.sess.Unsubscribe(kind, resource)
}

func streamKind(s Stream) (listener.Kind, bool) {
	switch s {
	case StreamConversations:
		return listener.KindConversationList, true
	case StreamMessages:
		return listener.KindMessageStream, true
	case StreamLikes:
		return listener.KindLikeStream, true
	case StreamReviews:
		return listener.KindReviewStream, true
	}
	return "", false
}

func (g *Gateway) pushSnapshot(c *Client, stream Stream, resource string, payload any, err error) {
	if err != nil {
		logger.Errorf("ws %s snapshot user=%s resource=%s: %v", stream, c.userID(), resource, err)
		g.sendToClient(c, OutgoingEvent{Type: EventError, Stream: stream, Resource: resource, Error: "snapshot failed"})
		return
	}
	g.sendToClient(c, OutgoingEvent{Type: EventSnapshot, Stream: stream, Resource: resource, Payload: payload})
}

func (g *Gateway) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID())
		c.Close()
	}
}

func (g *Gateway) Register(c *Client) {
	// Checked before the send: with a buffered register channel the select
	// below could still enqueue after shutdown, and nobody would drain it.
	select {
	case <-g.done:
		c.Close()
		g.teardown(c)
		return
	default:
	}
	select {
	case g.register <- c:
	case <-g.done:
		c.Close()
		g.teardown(c)
	}
}

func (g *Gateway) Unregister(c *Client) {
	select {
	case g.unregister <- c:
	case <-g.done:
	}
}
