// Package notify turns change-feed events into user-facing notifications:
// sound, system and toast cues gated by the user's settings, plus unread
// badge recounts. One bridge serves all connected users; each connection
// attaches once and detaches on disconnect.
package notify

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/model"
)

// Kind names a notification cue.
type Kind string

const (
	KindSound  Kind = "sound"
	KindSystem Kind = "system"
	KindToast  Kind = "toast"
	KindBadge  Kind = "badge"
)

// Notification is one cue delivered to a user's client.
type Notification struct {
	Kind        Kind   `json:"kind"`
	ThreadID    string `json:"thread_id,omitempty"`
	From        string `json:"from,omitempty"`
	Preview     string `json:"preview,omitempty"`
	TotalUnread int    `json:"total_unread"`
}

// Sink receives notifications for one attached user. The bridge calls it from
// a per-event goroutine, never from the broker's dispatch goroutine.
type Sink interface {
	Notify(n Notification)
}

type SettingsStore interface {
	Get(ctx context.Context, userID string) (*model.NotificationSettings, error)
}

// UnreadCounter reports a user's unread total across all threads.
type UnreadCounter interface {
	TotalUnread(ctx context.Context, userID string) (int, error)
}

// PushSender delivers a system notification out of band, reaching the user
// even when no tab is focused.
type PushSender interface {
	SendToUser(ctx context.Context, userID, title, body string) error
}

const previewLimit = 120

type Bridge struct {
	unread   UnreadCounter
	settings SettingsStore
	push     PushSender // nil disables out-of-band delivery
	b        *broker.Broker
}

func NewBridge(unread UnreadCounter, settings SettingsStore, push PushSender, b *broker.Broker) *Bridge {
	return &Bridge{unread: unread, settings: settings, push: push, b: b}
}

// Attach registers a connected user with the change feed. isThreadOpen
// reports whether the user currently has a given thread's view open; cues for
// an open thread are suppressed since the view renders the message itself.
// The returned cancel is idempotent.
func (br *Bridge) Attach(userID string, isThreadOpen func(threadID string) bool, sink Sink) (cancel func()) {
	if isThreadOpen == nil {
		isThreadOpen = func(string) bool { return false }
	}
	return br.b.SubscribeInbox(userID, func(ev broker.Event) {
		// Settings, recounts and web push all hit stores or the network.
		// The feed callback must return immediately, so each event gets
		// its own goroutine.
		go br.handle(userID, isThreadOpen, sink, ev)
	})
}

func (br *Bridge) handle(userID string, isThreadOpen func(string) bool, sink Sink, ev broker.Event) {
	switch ev.Type {
	case broker.EventNewMessage:
		if ev.Message == nil || ev.Message.ReceiverID != userID {
			// Our own send still moves the badge on other devices.
			br.recount(userID, sink, ev.ThreadID)
			return
		}
		br.incoming(userID, isThreadOpen, sink, ev)
	case broker.EventMessageRead, broker.EventThreadUpdated:
		br.recount(userID, sink, ev.ThreadID)
	}
}

func (br *Bridge) incoming(userID string, isThreadOpen func(string) bool, sink Sink, ev broker.Event) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	total, err := br.unread.TotalUnread(ctx, userID)
	if err != nil {
		logger.Errorf("notify: unread recount failed user=%s: %v", userID, err)
	}
	sink.Notify(Notification{Kind: KindBadge, TotalUnread: total})

	if isThreadOpen(ev.ThreadID) {
		return
	}

	cfg, err := br.settings.Get(ctx, userID)
	if err != nil {
		logger.Errorf("notify: settings load failed user=%s: %v", userID, err)
		def := model.DefaultNotificationSettings(userID)
		cfg = &def
	}

	preview := truncatePreview(ev.Message.Content)
	if cfg.SoundEnabled {
		sink.Notify(Notification{Kind: KindSound, ThreadID: ev.ThreadID, TotalUnread: total})
	}
	if cfg.ToastEnabled {
		sink.Notify(Notification{
			Kind:        KindToast,
			ThreadID:    ev.ThreadID,
			From:        ev.Message.SenderName,
			Preview:     preview,
			TotalUnread: total,
		})
	}
	if cfg.SystemEnabled {
		sink.Notify(Notification{
			Kind:        KindSystem,
			ThreadID:    ev.ThreadID,
			From:        ev.Message.SenderName,
			Preview:     preview,
			TotalUnread: total,
		})
		if br.push != nil {
			if err := br.push.SendToUser(ctx, userID, ev.Message.SenderName, preview); err != nil {
				logger.Errorf("notify: web push failed user=%s: %v", userID, err)
			}
		}
	}
}

// truncatePreview cuts the message body to previewLimit bytes without
// splitting a multi-byte rune.
func truncatePreview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (br *Bridge) recount(userID string, sink Sink, threadID string) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	total, err := br.unread.TotalUnread(ctx, userID)
	if err != nil {
		logger.Errorf("notify: unread recount failed user=%s: %v", userID, err)
		return
	}
	sink.Notify(Notification{Kind: KindBadge, ThreadID: threadID, TotalUnread: total})
}
