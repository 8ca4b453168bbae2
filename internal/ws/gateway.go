// Package ws is the realtime edge: it upgrades authenticated connections,
// routes client frames to the chat service through each connection's thread
// view, and pushes change-feed and notification frames back.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/chat"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/notify"
	"github.com/viafix/internal/repository"
	"github.com/viafix/internal/storage"
)

// UserPresence flips a user's online flag; nil disables presence tracking.
type UserPresence interface {
	SetOnline(ctx context.Context, id string, online bool) error
}

type Gateway struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	svc      *chat.Service
	broker   *broker.Broker
	bridge   *notify.Bridge
	store    storage.SessionStore
	presence UserPresence

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewGateway(svc *chat.Service, b *broker.Broker, bridge *notify.Bridge, store storage.SessionStore, presence UserPresence, maxConns int) *Gateway {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Gateway{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		svc:        svc,
		broker:     b,
		bridge:     bridge,
		store:      store,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (g *Gateway) Run(ctx context.Context) {
	defer close(g.done)
	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return
		case c := <-g.register:
			g.addClient(c)
		case c := <-g.unregister:
			g.removeClient(c)
		}
	}
}

func (g *Gateway) Register(c *Client) {
	select {
	case g.register <- c:
	case <-g.done:
		c.Close()
	}
}

func (g *Gateway) Unregister(c *Client) {
	select {
	case g.unregister <- c:
	case <-g.done:
	}
}

func (g *Gateway) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	g.mu.Lock()
	all := make([]*Client, 0, g.total)
	for _, set := range g.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	g.clients = make(map[string]map[*Client]struct{})
	g.total = 0
	g.mu.Unlock()

	for _, c := range all {
		c.teardown()
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (g *Gateway) addClient(c *Client) {
	g.mu.Lock()
	if g.total >= g.maxConns {
		g.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", g.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := g.clients[c.userID]; !ok {
		g.clients[c.userID] = make(map[*Client]struct{})
	}
	g.clients[c.userID][c] = struct{}{}
	g.total++
	g.mu.Unlock()

	c.detach = g.bridge.Attach(c.userID, func(threadID string) bool {
		state, open := c.view.State()
		return state == chat.ViewReady && open == threadID
	}, bridgeSink{c})

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.presence.SetOnline(ctx, c.userID, true); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.userID, err)
		}
	}
}

func (g *Gateway) removeClient(c *Client) {
	g.mu.Lock()
	set, ok := g.clients[c.userID]
	if !ok {
		g.mu.Unlock()
		return
	}
	if _, exists := set[c]; !exists {
		g.mu.Unlock()
		return
	}
	delete(set, c)
	g.total--
	last := len(set) == 0
	if last {
		delete(g.clients, c.userID)
	}
	g.mu.Unlock()

	c.teardown()
	c.Close()

	if last && g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.presence.SetOnline(ctx, c.userID, false); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
	}
}

// ConnectedUsers reports the number of distinct users with live connections.
func (g *Gateway) ConnectedUsers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// bridgeSink adapts a client to the notification bridge.
type bridgeSink struct{ c *Client }

func (s bridgeSink) Notify(n notify.Notification) {
	s.c.Send(OutgoingFrame{Type: FrameNotification, Payload: NotificationPayload{Notification: n}})
}

// HandleFrame routes one validated client frame. Blocking work runs on a
// fresh goroutine so a slow store never stalls the read pump.
func (g *Gateway) HandleFrame(ctx context.Context, c *Client, f IncomingFrame) {
	switch f.Type {
	case FrameOpenThread:
		go g.openThread(ctx, c, f.ThreadID)
	case FrameCloseThread:
		c.view.Close()
		c.pushThreadState()
	case FrameSend:
		go g.sendMessage(ctx, c, f)
	case FrameRetry:
		go g.retry(ctx, c, f.ClientRef)
	case FrameTyping:
		go g.typing(ctx, c)
	case FrameMarkRead:
		go g.markRead(ctx, c)
	}
}

func (g *Gateway) openThread(ctx context.Context, c *Client, threadID string) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.view.Open(opCtx, threadID); err != nil {
		c.Send(OutgoingFrame{Type: FrameError, Payload: ErrorPayload{
			Code:    errorCode(err),
			Message: "could not open thread",
		}})
	}
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, f IncomingFrame) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	allowed, err := g.store.CheckSendRateLimit(opCtx, c.userID)
	if err != nil {
		logger.Errorf("ws rate limit check user=%s: %v", c.userID, err)
	} else if !allowed {
		c.Send(OutgoingFrame{Type: FrameError, Payload: ErrorPayload{
			Code:      "rate_limited",
			Message:   "too many messages, slow down",
			ClientRef: f.ClientRef,
		}})
		return
	}

	m, err := c.view.Send(opCtx, f.Content, f.ClientRef)
	if err != nil {
		c.Send(OutgoingFrame{Type: FrameError, Payload: ErrorPayload{
			Code:      errorCode(err),
			Message:   err.Error(),
			ClientRef: f.ClientRef,
		}})
		return
	}
	c.Send(OutgoingFrame{Type: FrameSent, Payload: SentPayload{ClientRef: f.ClientRef, Message: *m}})
}

func (g *Gateway) retry(ctx context.Context, c *Client, clientRef string) {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	m, err := c.view.RetryPending(opCtx, clientRef)
	if err != nil {
		c.Send(OutgoingFrame{Type: FrameError, Payload: ErrorPayload{
			Code:      errorCode(err),
			Message:   err.Error(),
			ClientRef: clientRef,
		}})
		return
	}
	c.Send(OutgoingFrame{Type: FrameSent, Payload: SentPayload{ClientRef: clientRef, Message: *m}})
}

func (g *Gateway) typing(ctx context.Context, c *Client) {
	state, threadID := c.view.State()
	if state != chat.ViewReady {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.svc.Typing(opCtx, threadID, c.userID); err != nil {
		logger.Errorf("ws typing user=%s thread=%s: %v", c.userID, threadID, err)
	}
}

func (g *Gateway) markRead(ctx context.Context, c *Client) {
	state, threadID := c.view.State()
	if state != chat.ViewReady {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := g.svc.MarkRead(opCtx, threadID, c.userID); err != nil {
		logger.Errorf("ws mark read user=%s thread=%s: %v", c.userID, threadID, err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden"
	case errors.Is(err, chat.ErrEmptyContent):
		return "empty_content"
	case errors.Is(err, chat.ErrViewNotReady):
		return "view_not_ready"
	case errors.Is(err, chat.ErrNoSuchPending):
		return "no_such_pending"
	default:
		return "internal"
	}
}
