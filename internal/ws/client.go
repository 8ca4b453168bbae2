package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viafix/internal/chat"
	"github.com/viafix/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in the write pump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client is one authenticated WebSocket connection. It owns the user's thread
// view and the notification bridge attachment for this connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan OutgoingFrame
	userID string

	view   *chat.View
	detach func() // bridge detach, set by the gateway on register

	// done guards Send against writing to a closed channel.
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(gw *Gateway, conn *websocket.Conn, userID string) *Client {
	c := &Client{
		gw:     gw,
		conn:   conn,
		send:   make(chan OutgoingFrame, sendBufSize),
		userID: userID,
		done:   make(chan struct{}),
	}
	c.view = chat.NewView(gw.svc, gw.broker, userID, c.pushThreadState)
	c.view.SetTypingHandler(func(typistID string) {
		_, threadID := c.view.State()
		c.Send(OutgoingFrame{Type: FramePeerTyping, Payload: TypingPayload{
			ThreadID: threadID,
			UserID:   typistID,
		}})
	})
	return c
}

func (c *Client) UserID() string { return c.userID }

// Start launches both pumps. ctx bounds pump lifetime; cancel is kept for
// Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close tears the connection down. Safe to call multiple times from any
// goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// teardown releases the view and bridge registrations. Called only from the
// gateway's run goroutine, which is also what sets detach.
func (c *Client) teardown() {
	c.view.Close()
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

// Send enqueues a frame without blocking. A client whose buffer is full is
// closed as a slow consumer; it reconnects and reloads state.
func (c *Client) Send(f OutgoingFrame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- f:
	case <-c.done:
	default:
		logger.Errorf("ws: slow consumer user=%s, closing", c.userID)
		c.Close()
	}
}

// pushThreadState is the view's change callback; it ships the current view
// snapshot so the client renders from authoritative state.
func (c *Client) pushThreadState() {
	state, threadID := c.view.State()
	msgs, pending := c.view.Snapshot()
	c.Send(OutgoingFrame{Type: FrameThreadState, Payload: ThreadStatePayload{
		State:    state.String(),
		ThreadID: threadID,
		Messages: msgs,
		Pending:  pending,
	}})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.gw.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		frame, err := ParseIncoming(raw)
		if err != nil {
			c.Send(OutgoingFrame{Type: FrameError, Payload: ErrorPayload{
				Code:    "bad_frame",
				Message: err.Error(),
			}})
			continue
		}

		c.gw.HandleFrame(ctx, c, frame)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message user=%s: %v", c.userID, err)
			}
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(f); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
