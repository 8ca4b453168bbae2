package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/repository"
)

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func waitEvent(t *testing.T, ch chan broker.Event) broker.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return broker.Event{}
	}
}

func TestResolveIsOrderIndependent(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	svc := newTestService(store, startBroker(t))
	ctx := context.Background()

	t1, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)
	t2, err := svc.Resolve(ctx, "mech-1", "cust-1")
	require.NoError(t, err)

	assert.Equal(t, t1.ID, t2.ID, "both directions must resolve to one thread")
}

func TestResolveRejectsSelfAndUnknownUser(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	svc := newTestService(store, startBroker(t))
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "cust-1", "cust-1")
	assert.ErrorIs(t, err, ErrSelfThread)

	_, err = svc.Resolve(ctx, "cust-1", "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSendPersistsAndPublishes(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	b := startBroker(t)
	svc := newTestService(store, b)
	ctx := context.Background()

	th, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)

	got := make(chan broker.Event, 4)
	cancel := b.SubscribeThread(th.ID, func(ev broker.Event) { got <- ev })
	defer cancel()

	m, err := svc.Send(ctx, th.ID, "cust-1", "  brakes are squealing  ", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "brakes are squealing", m.Content, "content is trimmed")
	assert.Equal(t, "mech-1", m.ReceiverID)
	assert.Equal(t, "Ava Customer", m.SenderName)
	assert.Equal(t, "ref-1", m.ClientRef)
	assert.False(t, m.IsRead)

	ev := waitEvent(t, got)
	assert.Equal(t, broker.EventNewMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, m.ID, ev.Message.ID)
	assert.ElementsMatch(t, []string{"cust-1", "mech-1"}, ev.Recipients)

	assert.Equal(t, 1, store.unread(th.ID, "mech-1"), "receiver unread bumped")
	assert.Equal(t, 0, store.unread(th.ID, "cust-1"), "sender unread untouched")
}

func TestSendRejectsEmptyContentAndNonParticipant(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	store.addUser("other-1", "Outsider", "customer")
	svc := newTestService(store, startBroker(t))
	ctx := context.Background()

	th, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)

	_, err = svc.Send(ctx, th.ID, "cust-1", "   \n\t ", "ref-1")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.Send(ctx, th.ID, "other-1", "let me in", "ref-2")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSendSucceedsWhenUnreadBumpFails(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	svc := newTestService(store, startBroker(t))
	ctx := context.Background()

	th, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)

	store.failBump = true
	m, err := svc.Send(ctx, th.ID, "cust-1", "hello", "ref-1")
	require.NoError(t, err, "persisted message must not be reported as failed")

	msgs, err := svc.Messages(ctx, th.ID, "mech-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
}

func TestMarkReadFlipsMessagesAndResetsCount(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	b := startBroker(t)
	svc := newTestService(store, b)
	ctx := context.Background()

	th, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.Send(ctx, th.ID, "cust-1", "msg", "")
		require.NoError(t, err)
	}
	require.Equal(t, 3, store.unread(th.ID, "mech-1"))

	got := make(chan broker.Event, 4)
	cancel := b.SubscribeThread(th.ID, func(ev broker.Event) { got <- ev })
	defer cancel()

	n, err := svc.MarkRead(ctx, th.ID, "mech-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, 0, store.unread(th.ID, "mech-1"))

	ev := waitEvent(t, got)
	assert.Equal(t, broker.EventMessageRead, ev.Type)
	assert.Equal(t, "mech-1", ev.ActorID)

	// Second mark is a no-op and publishes nothing.
	n, err = svc.MarkRead(ctx, th.ID, "mech-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	select {
	case ev := <-got:
		t.Fatalf("unexpected event after no-op mark: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMessagesForbiddenForOutsider(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	store.addUser("other-1", "Outsider", "mechanic")
	svc := newTestService(store, startBroker(t))
	ctx := context.Background()

	th, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)

	_, err = svc.Messages(ctx, th.ID, "other-1")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestInboxEnrichment(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	svc := newTestService(store, startBroker(t))
	ctx := context.Background()

	th, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)
	_, err = svc.Send(ctx, th.ID, "cust-1", "first", "")
	require.NoError(t, err)
	last, err := svc.Send(ctx, th.ID, "cust-1", "second", "")
	require.NoError(t, err)

	inbox, err := svc.Inbox(ctx, "mech-1")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, th.ID, inbox[0].Thread.ID)
	assert.Equal(t, 2, inbox[0].UnreadCount)
	require.NotNil(t, inbox[0].LastMessage)
	assert.Equal(t, last.ID, inbox[0].LastMessage.ID)
	assert.Equal(t, "Ava Customer", inbox[0].ParticipantNames["cust-1"])
	assert.Equal(t, "Max Mechanic", inbox[0].ParticipantNames["mech-1"])

	total, err := svc.TotalUnread(ctx, "mech-1")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestTypingReachesOnlyCounterpart(t *testing.T) {
	store := newMemStore()
	seedPair(store)
	b := startBroker(t)
	svc := newTestService(store, b)
	ctx := context.Background()

	th, err := svc.Resolve(ctx, "cust-1", "mech-1")
	require.NoError(t, err)

	mechInbox := make(chan broker.Event, 4)
	custInbox := make(chan broker.Event, 4)
	c1 := b.SubscribeInbox("mech-1", func(ev broker.Event) { mechInbox <- ev })
	defer c1()
	c2 := b.SubscribeInbox("cust-1", func(ev broker.Event) { custInbox <- ev })
	defer c2()

	require.NoError(t, svc.Typing(ctx, th.ID, "cust-1"))

	ev := waitEvent(t, mechInbox)
	assert.Equal(t, broker.EventTyping, ev.Type)
	assert.Equal(t, "cust-1", ev.ActorID)
	select {
	case ev := <-custInbox:
		t.Fatalf("typist received own typing event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
