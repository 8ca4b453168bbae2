package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/model"
)

type ViewState int

const (
	ViewClosed ViewState = iota
	ViewLoading
	ViewReady
)

func (s ViewState) String() string {
	switch s {
	case ViewLoading:
		return "loading"
	case ViewReady:
		return "ready"
	default:
		return "closed"
	}
}

// PendingMessage is an optimistic local entry for a send that has not yet been
// echoed back by the change feed. ClientRef correlates it with the
// authoritative message.
type PendingMessage struct {
	ClientRef string    `json:"client_ref"`
	Content   string    `json:"content"`
	QueuedAt  time.Time `json:"queued_at"`
	Failed    bool      `json:"failed"`
}

// View holds the message state of a single open thread for one user. Live
// events arriving while history loads are buffered and merged after the load,
// with duplicates collapsed by message id, so the overlap between the history
// snapshot and the change feed never shows a message twice.
//
// A View is owned by one connection but mutated from two goroutines: the
// connection's read loop and the broker's dispatch goroutine. All state is
// guarded by mu.
type View struct {
	svc *Service
	b   *broker.Broker

	mu       sync.Mutex
	state    ViewState
	gen      int
	threadID string
	userID   string
	msgs     []model.Message
	index    map[string]int
	pending  []PendingMessage
	buffered []broker.Event
	cancel   func()

	// onChange is invoked (outside mu) after every visible state change.
	onChange func()
	// onTyping is invoked (outside mu) when the counterpart types in the
	// open thread. Optional.
	onTyping func(userID string)
}

func NewView(svc *Service, b *broker.Broker, userID string, onChange func()) *View {
	if onChange == nil {
		onChange = func() {}
	}
	return &View{svc: svc, b: b, userID: userID, onChange: onChange}
}

// SetTypingHandler installs the peer-typing callback. Must be set before the
// first Open.
func (v *View) SetTypingHandler(fn func(userID string)) {
	v.onTyping = fn
}

// Open transitions the view to a thread: subscribes to its change feed,
// loads history, merges anything buffered during the load and marks the
// thread read. Opening while another thread is open closes it first; opening
// the same thread again reloads it.
func (v *View) Open(ctx context.Context, threadID string) error {
	v.closeLocked()

	v.mu.Lock()
	v.state = ViewLoading
	v.gen++
	gen := v.gen
	v.threadID = threadID
	v.msgs = nil
	v.index = make(map[string]int)
	v.pending = nil
	v.buffered = nil
	v.cancel = v.b.SubscribeThread(threadID, func(ev broker.Event) { v.applyEvent(gen, ev) })
	v.mu.Unlock()

	history, err := v.svc.Messages(ctx, threadID, v.userID)
	if err != nil {
		v.mu.Lock()
		var cancel func()
		if v.gen == gen {
			cancel = v.cancel
			v.closeStateLocked()
		}
		v.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return err
	}

	v.mu.Lock()
	if v.gen != gen {
		// Closed or reopened while the load was in flight; discard.
		v.mu.Unlock()
		return nil
	}
	for _, m := range history {
		v.mergeLocked(m)
	}
	buffered := v.buffered
	v.buffered = nil
	for _, ev := range buffered {
		v.applyLocked(ev)
	}
	v.state = ViewReady
	v.mu.Unlock()
	v.onChange()

	if _, err := v.svc.MarkRead(ctx, threadID, v.userID); err != nil {
		logger.Errorf("view.Open: mark read failed thread=%s: %v", threadID, err)
	}
	return nil
}

// Close tears the view down and releases its change-feed registration.
// Idempotent.
func (v *View) Close() {
	v.closeLocked()
}

func (v *View) closeLocked() {
	v.mu.Lock()
	cancel := v.cancel
	v.closeStateLocked()
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// closeStateLocked resets view state; caller holds mu and must release the
// subscription itself.
func (v *View) closeStateLocked() {
	v.state = ViewClosed
	v.gen++
	v.threadID = ""
	v.msgs = nil
	v.index = nil
	v.pending = nil
	v.buffered = nil
	v.cancel = nil
}

// Send appends an optimistic pending entry and performs the send. The pending
// entry is removed when the change-feed echo with the same client ref arrives;
// on a failed send it is marked failed instead, so the user sees what did not
// go through.
func (v *View) Send(ctx context.Context, content, clientRef string) (*model.Message, error) {
	v.mu.Lock()
	if v.state != ViewReady {
		v.mu.Unlock()
		return nil, ErrViewNotReady
	}
	threadID := v.threadID
	gen := v.gen
	v.pending = append(v.pending, PendingMessage{
		ClientRef: clientRef,
		Content:   content,
		QueuedAt:  time.Now().UTC(),
	})
	v.mu.Unlock()
	v.onChange()

	m, err := v.svc.Send(ctx, threadID, v.userID, content, clientRef)
	if err != nil {
		v.mu.Lock()
		if v.gen == gen {
			for i := range v.pending {
				if v.pending[i].ClientRef == clientRef {
					v.pending[i].Failed = true
				}
			}
		}
		v.mu.Unlock()
		v.onChange()
		return nil, err
	}
	// The echo normally clears the pending entry via the change feed; merge
	// directly as well in case this connection's subscription lags.
	v.mu.Lock()
	if v.gen == gen {
		v.mergeLocked(*m)
		v.clearPendingLocked(clientRef)
	}
	v.mu.Unlock()
	v.onChange()
	return m, nil
}

// RetryPending re-sends a failed pending entry under the same client ref.
func (v *View) RetryPending(ctx context.Context, clientRef string) (*model.Message, error) {
	v.mu.Lock()
	var content string
	found := false
	for i := range v.pending {
		if v.pending[i].ClientRef == clientRef && v.pending[i].Failed {
			content = v.pending[i].Content
			v.pending[i].Failed = false
			found = true
		}
	}
	threadID := v.threadID
	gen := v.gen
	state := v.state
	v.mu.Unlock()
	if state != ViewReady {
		return nil, ErrViewNotReady
	}
	if !found {
		return nil, ErrNoSuchPending
	}

	m, err := v.svc.Send(ctx, threadID, v.userID, content, clientRef)
	v.mu.Lock()
	if v.gen == gen {
		if err != nil {
			for i := range v.pending {
				if v.pending[i].ClientRef == clientRef {
					v.pending[i].Failed = true
				}
			}
		} else {
			v.mergeLocked(*m)
			v.clearPendingLocked(clientRef)
		}
	}
	v.mu.Unlock()
	v.onChange()
	return m, err
}

func (v *View) applyEvent(gen int, ev broker.Event) {
	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		return
	}
	if ev.Type == broker.EventTyping {
		ready := v.state == ViewReady
		v.mu.Unlock()
		if ready && v.onTyping != nil && ev.ActorID != v.userID {
			v.onTyping(ev.ActorID)
		}
		return
	}
	if v.state == ViewLoading {
		v.buffered = append(v.buffered, ev)
		v.mu.Unlock()
		return
	}
	changed := v.applyLocked(ev)
	v.mu.Unlock()
	if changed {
		v.onChange()
	}
}

func (v *View) applyLocked(ev broker.Event) bool {
	switch ev.Type {
	case broker.EventNewMessage:
		if ev.Message == nil {
			return false
		}
		added := v.mergeLocked(*ev.Message)
		if ev.Message.SenderID == v.userID && ev.Message.ClientRef != "" {
			v.clearPendingLocked(ev.Message.ClientRef)
			return true
		}
		return added
	case broker.EventMessageRead:
		if ev.ActorID == v.userID {
			return false
		}
		changed := false
		for i := range v.msgs {
			if v.msgs[i].SenderID == v.userID && !v.msgs[i].IsRead {
				v.msgs[i].IsRead = true
				changed = true
			}
		}
		return changed
	default:
		return false
	}
}

// mergeLocked inserts a message unless its id is already present. Order is
// kept ascending by creation time; the common case is an append.
func (v *View) mergeLocked(m model.Message) bool {
	if _, ok := v.index[m.ID]; ok {
		return false
	}
	v.msgs = append(v.msgs, m)
	if n := len(v.msgs); n > 1 && v.msgs[n-1].CreatedAt.Before(v.msgs[n-2].CreatedAt) {
		sort.SliceStable(v.msgs, func(i, j int) bool {
			return v.msgs[i].CreatedAt.Before(v.msgs[j].CreatedAt)
		})
		for i := range v.msgs {
			v.index[v.msgs[i].ID] = i
		}
		return true
	}
	v.index[m.ID] = len(v.msgs) - 1
	return true
}

func (v *View) clearPendingLocked(clientRef string) {
	kept := v.pending[:0]
	for _, p := range v.pending {
		if p.ClientRef != clientRef {
			kept = append(kept, p)
		}
	}
	v.pending = kept
}

// State reports the current lifecycle state and open thread id.
func (v *View) State() (ViewState, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state, v.threadID
}

// Snapshot returns copies of the confirmed messages and the optimistic
// pending entries, in display order.
func (v *View) Snapshot() ([]model.Message, []PendingMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	msgs := make([]model.Message, len(v.msgs))
	copy(msgs, v.msgs)
	pending := make([]PendingMessage, len(v.pending))
	copy(pending, v.pending)
	return msgs, pending
}
