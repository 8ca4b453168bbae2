package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/model"
)

type fakeSettings struct {
	mu  sync.Mutex
	byU map[string]model.NotificationSettings
	err error
}

func (f *fakeSettings) Get(ctx context.Context, userID string) (*model.NotificationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.byU[userID]; ok {
		cp := s
		return &cp, nil
	}
	def := model.DefaultNotificationSettings(userID)
	return &def, nil
}

type fakePush struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePush) SendToUser(ctx context.Context, userID, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+":"+title)
	return nil
}

func (f *fakePush) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type chanSink struct{ ch chan Notification }

func (s chanSink) Notify(n Notification) { s.ch <- n }

type unreadStub struct {
	mu    sync.Mutex
	total int
}

func (u *unreadStub) set(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.total = n
}

func (u *unreadStub) TotalUnread(ctx context.Context, userID string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total, nil
}

func newTestBridge(t *testing.T, settings *fakeSettings, push PushSender, unread *unreadStub) (*Bridge, *broker.Broker) {
	t.Helper()
	b := broker.New(64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	br := NewBridge(unread, settings, push, b)
	return br, b
}

func drain(t *testing.T, ch chan Notification, n int) []Notification {
	t.Helper()
	out := make([]Notification, 0, n)
	for i := 0; i < n; i++ {
		select {
		case got := <-ch:
			out = append(out, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification %d of %d", i+1, n)
		}
	}
	return out
}

func kinds(ns []Notification) []Kind {
	out := make([]Kind, len(ns))
	for i, n := range ns {
		out[i] = n.Kind
	}
	return out
}

func incomingEvent(receiver string) broker.Event {
	return broker.Event{
		Type:     broker.EventNewMessage,
		ThreadID: "t1",
		ActorID:  "cust-1",
		Message: &model.Message{
			ID:         "m1",
			ThreadID:   "t1",
			SenderID:   "cust-1",
			SenderName: "Ava Customer",
			ReceiverID: receiver,
			Content:    "brakes are squealing",
		},
		Recipients: []string{"cust-1", receiver},
	}
}

func TestIncomingMessageEmitsAllEnabledCues(t *testing.T) {
	settings := &fakeSettings{byU: map[string]model.NotificationSettings{}}
	push := &fakePush{}
	unread := &unreadStub{}
	unread.set(3)
	br, b := newTestBridge(t, settings, push, unread)

	sink := chanSink{ch: make(chan Notification, 8)}
	cancel := br.Attach("mech-1", nil, sink)
	defer cancel()

	b.Publish(incomingEvent("mech-1"))

	got := drain(t, sink.ch, 4)
	assert.Equal(t, []Kind{KindBadge, KindSound, KindToast, KindSystem}, kinds(got))
	assert.Equal(t, 3, got[0].TotalUnread)
	toast := got[2]
	assert.Equal(t, "Ava Customer", toast.From)
	assert.Equal(t, "brakes are squealing", toast.Preview)
	require.Eventually(t, func() bool { return push.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestDisabledChannelsAreSuppressed(t *testing.T) {
	settings := &fakeSettings{byU: map[string]model.NotificationSettings{
		"mech-1": {UserID: "mech-1", SoundEnabled: false, SystemEnabled: false, ToastEnabled: true},
	}}
	push := &fakePush{}
	br, b := newTestBridge(t, settings, push, &unreadStub{})

	sink := chanSink{ch: make(chan Notification, 8)}
	cancel := br.Attach("mech-1", nil, sink)
	defer cancel()

	b.Publish(incomingEvent("mech-1"))

	got := drain(t, sink.ch, 2)
	assert.Equal(t, []Kind{KindBadge, KindToast}, kinds(got))
	select {
	case n := <-sink.ch:
		t.Fatalf("unexpected cue: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, push.count(), "system channel off means no web push")
}

func TestOpenThreadSuppressesCuesButKeepsBadge(t *testing.T) {
	settings := &fakeSettings{byU: map[string]model.NotificationSettings{}}
	br, b := newTestBridge(t, settings, &fakePush{}, &unreadStub{})

	sink := chanSink{ch: make(chan Notification, 8)}
	open := func(threadID string) bool { return threadID == "t1" }
	cancel := br.Attach("mech-1", open, sink)
	defer cancel()

	b.Publish(incomingEvent("mech-1"))

	got := drain(t, sink.ch, 1)
	assert.Equal(t, KindBadge, got[0].Kind)
	select {
	case n := <-sink.ch:
		t.Fatalf("cue for an open thread: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReadEventTriggersRecount(t *testing.T) {
	unread := &unreadStub{}
	unread.set(7)
	br, b := newTestBridge(t, &fakeSettings{byU: map[string]model.NotificationSettings{}}, nil, unread)

	sink := chanSink{ch: make(chan Notification, 8)}
	cancel := br.Attach("mech-1", nil, sink)
	defer cancel()

	unread.set(0)
	b.Publish(broker.Event{Type: broker.EventMessageRead, ThreadID: "t1", ActorID: "mech-1", Recipients: []string{"mech-1"}})

	got := drain(t, sink.ch, 1)
	assert.Equal(t, KindBadge, got[0].Kind)
	assert.Zero(t, got[0].TotalUnread)
}

type stalledPush struct{ release chan struct{} }

func (s *stalledPush) SendToUser(ctx context.Context, userID, title, body string) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowPushDoesNotStallFeedDelivery(t *testing.T) {
	push := &stalledPush{release: make(chan struct{})}
	defer close(push.release)
	br, b := newTestBridge(t, &fakeSettings{byU: map[string]model.NotificationSettings{}}, push, &unreadStub{})

	sink := chanSink{ch: make(chan Notification, 8)}
	cancel := br.Attach("mech-1", nil, sink)
	defer cancel()

	other := make(chan broker.Event, 1)
	cancelOther := b.SubscribeThread("t-other", func(ev broker.Event) { other <- ev })
	defer cancelOther()
	require.Eventually(t, func() bool { return b.ThreadSubscribers("t-other") == 1 }, time.Second, 10*time.Millisecond)

	b.Publish(incomingEvent("mech-1"))
	b.Publish(broker.Event{Type: broker.EventNewMessage, ThreadID: "t-other", ActorID: "cust-2"})

	select {
	case <-other:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("unrelated thread event held up behind a stalled push send")
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	long := make([]byte, previewLimit-1)
	for i := range long {
		long[i] = 'a'
	}
	s := string(long) + "éhéh" // 'é' straddles the byte limit

	got := truncatePreview(s)
	assert.LessOrEqual(t, len(got), previewLimit)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, string(long), got)

	short := "all good"
	assert.Equal(t, short, truncatePreview(short))
}

func TestSettingsFailureFallsBackToDefaults(t *testing.T) {
	settings := &fakeSettings{err: errors.New("store down")}
	br, b := newTestBridge(t, settings, nil, &unreadStub{})

	sink := chanSink{ch: make(chan Notification, 8)}
	cancel := br.Attach("mech-1", nil, sink)
	defer cancel()

	b.Publish(incomingEvent("mech-1"))

	got := drain(t, sink.ch, 4)
	assert.Equal(t, []Kind{KindBadge, KindSound, KindToast, KindSystem}, kinds(got))
}
