package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single WebSocket connection bound to one listener
// session. Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump]
// -> Close -> Wait. The session is torn down by the gateway on unregister.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan OutgoingEvent
	sess *session.Session

	// ctx passed to Start; subscriptions established from this connection
	// inherit it so they die with the pumps.
	ctx context.Context

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(gw *Gateway, conn *websocket.Conn, sess *session.Session) *Client {
	return &Client{
		gw:   gw,
		conn: conn,
		send: make(chan OutgoingEvent, sendBufSize),
		sess: sess,
		done: make(chan struct{}),
	}
}

func (c *Client) userID() string { return c.sess.UserID() }

// Start launches readPump and writePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.ctx = ctx
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads subscribe/unsubscribe frames until the connection dies.
// Closing the connection (from Close or writePump's defer) ends the loop.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.gw.Unregister(c)
		c.conn.Close()
		c.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID(), err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			abnormal := websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure)
			if abnormal && ctx.Err() == nil {
				logger.Errorf("ws read user=%s: %v", c.userID(), err)
			}
			return
		}

		var ev IncomingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.gw.sendToClient(c, OutgoingEvent{Type: EventError, Error: "bad frame"})
			continue
		}
		c.gw.HandleEvent(c, ev)
	}
}

// writePump owns all writes to the connection: queued events, pings, and the
// final close frame. Gorilla allows one concurrent writer, so nothing else
// may touch conn for writing.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			if err := c.conn.WriteControl(websocket.CloseMessage, nil, deadline); err != nil {
				logger.Errorf("ws close frame user=%s: %v", c.userID(), err)
			}
			return
		case ev := <-c.send:
			if err := c.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// writeEvent encodes ev through the buffer pool and writes it as one text
// frame. An encode failure drops the frame but keeps the connection; a write
// failure kills the pump.
func (c *Client) writeEvent(ev OutgoingEvent) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		logger.Errorf("ws encode user=%s: %v", c.userID(), err)
		return nil
	}
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
