// Package broker is the single owner of realtime change-feed registrations.
// Every consumer (open thread views, per-user inboxes, the notification
// bridge) registers here instead of opening its own stream, so a view switch
// can never leave a duplicate callback behind.
package broker

import (
	"context"
	"sync"

	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/model"
)

type EventType string

const (
	EventNewMessage    EventType = "new_message"
	EventMessageRead   EventType = "message_read"
	EventThreadUpdated EventType = "thread_updated"
	EventTyping        EventType = "typing"
)

// Event is one change-feed notification. Message is set for EventNewMessage;
// ActorID is the sender, reader or typist depending on Type. Recipients lists
// the user ids whose inbox streams should see the event (the publisher knows
// thread membership; the broker does not).
type Event struct {
	Type       EventType
	ThreadID   string
	ActorID    string
	Message    *model.Message
	Recipients []string
}

type subscriber struct {
	fn func(Event)
}

// Broker fans events out to per-thread and per-user inbox subscribers.
// Delivery runs on a single dispatch goroutine, so callbacks observe events
// in publish order. Delivery is at-least-once from the consumer's point of
// view; consumers dedup by message id.
type Broker struct {
	mu     sync.RWMutex
	thread map[string]map[*subscriber]struct{}
	inbox  map[string]map[*subscriber]struct{}

	events chan Event
	done   chan struct{}
}

func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		thread: make(map[string]map[*subscriber]struct{}),
		inbox:  make(map[string]map[*subscriber]struct{}),
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Run dispatches published events until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			b.dispatch(ev)
		}
	}
}

// Publish enqueues an event for dispatch. Dropped with a log line if the
// broker is stopped or the buffer is full; the change feed is advisory, the
// store remains the source of truth.
func (b *Broker) Publish(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	default:
		logger.Errorf("broker: event buffer full, dropping %s thread=%s", ev.Type, ev.ThreadID)
	}
}

func (b *Broker) dispatch(ev Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, 4)
	for s := range b.thread[ev.ThreadID] {
		targets = append(targets, s)
	}
	for _, uid := range ev.Recipients {
		for s := range b.inbox[uid] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	// Callbacks run on the dispatch goroutine; they must not block.
	for _, s := range targets {
		s.fn(ev)
	}
}

// SubscribeThread registers fn for every event on one thread. The returned
// cancel is idempotent and must be called when the owning view goes away.
func (b *Broker) SubscribeThread(threadID string, fn func(Event)) (cancel func()) {
	return b.subscribe(b.thread, threadID, fn)
}

// SubscribeInbox registers fn for every event addressed to one user,
// regardless of thread. A user's inbox stream and any number of per-thread
// streams may run concurrently.
func (b *Broker) SubscribeInbox(userID string, fn func(Event)) (cancel func()) {
	return b.subscribe(b.inbox, userID, fn)
}

func (b *Broker) subscribe(reg map[string]map[*subscriber]struct{}, key string, fn func(Event)) func() {
	s := &subscriber{fn: fn}
	b.mu.Lock()
	if _, ok := reg[key]; !ok {
		reg[key] = make(map[*subscriber]struct{})
	}
	reg[key][s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs, ok := reg[key]
			if !ok {
				return
			}
			delete(subs, s)
			if len(subs) == 0 {
				delete(reg, key)
			}
		})
	}
}

// ThreadSubscribers reports the live registration count for a thread.
func (b *Broker) ThreadSubscribers(threadID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.thread[threadID])
}

// InboxSubscribers reports the live registration count for a user's inbox.
func (b *Broker) InboxSubscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.inbox[userID])
}
