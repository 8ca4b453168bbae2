// Package chat implements conversation semantics on top of the stores:
// thread resolution for a participant pair, message history, sending with
// optimistic correlation, and read marking. The service publishes change-feed
// events; persistence is authoritative and the feed is advisory.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/model"
	"github.com/viafix/internal/repository"
)

var (
	// ErrForbidden is returned when a user touches a thread they are not a
	// participant of.
	ErrForbidden = errors.New("not a thread participant")
	// ErrEmptyContent is returned for whitespace-only message bodies.
	ErrEmptyContent = errors.New("empty message content")
	// ErrSelfThread is returned when a user tries to open a thread with
	// themselves.
	ErrSelfThread = errors.New("cannot open thread with self")
	// ErrViewNotReady is returned for view operations that require a fully
	// loaded open thread.
	ErrViewNotReady = errors.New("view is not ready")
	// ErrNoSuchPending is returned when retrying a client ref that has no
	// failed pending entry.
	ErrNoSuchPending = errors.New("no failed pending entry for client ref")
)

// MaxContentLength bounds a single message body.
const MaxContentLength = 4000

type ThreadStore interface {
	FindOrCreate(ctx context.Context, userA, userAName, userB, userBName string) (*model.Thread, error)
	GetByID(ctx context.Context, id string) (*model.Thread, error)
	GetParticipants(ctx context.Context, threadID string) ([]model.ThreadParticipant, error)
	GetUserThreads(ctx context.Context, userID string) ([]model.Thread, error)
	BumpOnSend(ctx context.Context, threadID, receiverID string, at time.Time) error
	ResetUnread(ctx context.Context, threadID, userID string, at time.Time) error
	GetTotalUnread(ctx context.Context, userID string) (int, error)
}

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetThreadMessages(ctx context.Context, threadID string) ([]model.Message, error)
	GetLastMessage(ctx context.Context, threadID string) (*model.Message, error)
	MarkAsRead(ctx context.Context, threadID, userID string) (int64, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type Service struct {
	threads  ThreadStore
	messages MessageStore
	users    UserStore
	broker   *broker.Broker
}

func NewService(threads ThreadStore, messages MessageStore, users UserStore, b *broker.Broker) *Service {
	return &Service{threads: threads, messages: messages, users: users, broker: b}
}

// Resolve returns the thread between caller and other, creating it on first
// contact. The operation is order-independent: both sides resolve to the same
// thread no matter who initiates.
func (s *Service) Resolve(ctx context.Context, callerID, otherID string) (*model.Thread, error) {
	defer logger.DeferLogDuration("chat.Resolve", time.Now())()
	if callerID == otherID {
		return nil, ErrSelfThread
	}
	caller, err := s.users.GetByID(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("chat.Resolve caller: %w", err)
	}
	other, err := s.users.GetByID(ctx, otherID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("chat.Resolve other: %w", err)
	}
	t, err := s.threads.FindOrCreate(ctx, caller.ID, caller.Username, other.ID, other.Username)
	if err != nil {
		return nil, fmt.Errorf("chat.Resolve: %w", err)
	}
	return t, nil
}

// Messages returns a thread's full history in ascending creation order. Only
// participants may read it.
func (s *Service) Messages(ctx context.Context, threadID, userID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("chat.Messages", time.Now())()
	t, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return s.messages.GetThreadMessages(ctx, threadID)
}

// Send persists a message and publishes it to the change feed. Persisting is
// the authoritative step; the unread bump is best-effort and a failure there
// is logged, not surfaced, so the sender never sees a failed send for a
// message that is in the store.
func (s *Service) Send(ctx context.Context, threadID, senderID, content, clientRef string) (*model.Message, error) {
	defer logger.DeferLogDuration("chat.Send", time.Now())()
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return nil, fmt.Errorf("chat.Send: content exceeds %d bytes", MaxContentLength)
	}
	t, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.HasParticipant(senderID) {
		return nil, ErrForbidden
	}
	parts, err := s.threads.GetParticipants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("chat.Send participants: %w", err)
	}
	names := model.ParticipantNames(parts)

	m := &model.Message{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		SenderID:   senderID,
		SenderName: names[senderID],
		ReceiverID: t.Counterpart(senderID),
		Content:    content,
		ClientRef:  clientRef,
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("chat.Send: %w", err)
	}
	if err := s.threads.BumpOnSend(ctx, threadID, m.ReceiverID, m.CreatedAt); err != nil {
		logger.Errorf("chat.Send: unread bump failed thread=%s: %v", threadID, err)
	}

	s.broker.Publish(broker.Event{
		Type:       broker.EventNewMessage,
		ThreadID:   threadID,
		ActorID:    senderID,
		Message:    m,
		Recipients: t.Participants[:],
	})
	return m, nil
}

// MarkRead flips the caller's unread messages in a thread to read and zeroes
// their unread count. Returns the number of messages affected. A read mark is
// advisory: callers opening a view treat a failure here as non-fatal.
func (s *Service) MarkRead(ctx context.Context, threadID, userID string) (int64, error) {
	defer logger.DeferLogDuration("chat.MarkRead", time.Now())()
	t, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !t.HasParticipant(userID) {
		return 0, ErrForbidden
	}
	n, err := s.messages.MarkAsRead(ctx, threadID, userID)
	if err != nil {
		return 0, fmt.Errorf("chat.MarkRead: %w", err)
	}
	if err := s.threads.ResetUnread(ctx, threadID, userID, time.Now().UTC()); err != nil {
		logger.Errorf("chat.MarkRead: unread reset failed thread=%s user=%s: %v", threadID, userID, err)
	}
	if n > 0 {
		s.broker.Publish(broker.Event{
			Type:       broker.EventMessageRead,
			ThreadID:   threadID,
			ActorID:    userID,
			Recipients: t.Participants[:],
		})
	}
	return n, nil
}

// Typing publishes a transient typing notification. Nothing is persisted.
func (s *Service) Typing(ctx context.Context, threadID, userID string) error {
	t, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return err
	}
	if !t.HasParticipant(userID) {
		return ErrForbidden
	}
	s.broker.Publish(broker.Event{
		Type:       broker.EventTyping,
		ThreadID:   threadID,
		ActorID:    userID,
		Recipients: []string{t.Counterpart(userID)},
	})
	return nil
}

// Inbox returns the caller's threads newest-first, each enriched with display
// names, the last message and the caller's unread count.
func (s *Service) Inbox(ctx context.Context, userID string) ([]model.ThreadWithState, error) {
	defer logger.DeferLogDuration("chat.Inbox", time.Now())()
	threads, err := s.threads.GetUserThreads(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat.Inbox: %w", err)
	}
	out := make([]model.ThreadWithState, 0, len(threads))
	for _, t := range threads {
		parts, err := s.threads.GetParticipants(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("chat.Inbox participants: %w", err)
		}
		last, err := s.messages.GetLastMessage(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("chat.Inbox last message: %w", err)
		}
		unread := 0
		for _, p := range parts {
			if p.UserID == userID {
				unread = p.UnreadCount
			}
		}
		out = append(out, model.ThreadWithState{
			Thread:           t,
			ParticipantNames: model.ParticipantNames(parts),
			LastMessage:      last,
			UnreadCount:      unread,
		})
	}
	return out, nil
}

// ThreadDetail returns one thread enriched the same way the inbox is.
func (s *Service) ThreadDetail(ctx context.Context, threadID, userID string) (*model.ThreadWithState, error) {
	defer logger.DeferLogDuration("chat.ThreadDetail", time.Now())()
	t, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !t.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	parts, err := s.threads.GetParticipants(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("chat.ThreadDetail participants: %w", err)
	}
	last, err := s.messages.GetLastMessage(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("chat.ThreadDetail last message: %w", err)
	}
	unread := 0
	for _, p := range parts {
		if p.UserID == userID {
			unread = p.UnreadCount
		}
	}
	return &model.ThreadWithState{
		Thread:           *t,
		ParticipantNames: model.ParticipantNames(parts),
		LastMessage:      last,
		UnreadCount:      unread,
	}, nil
}

// TotalUnread returns the caller's unread total across all threads.
func (s *Service) TotalUnread(ctx context.Context, userID string) (int, error) {
	return s.threads.GetTotalUnread(ctx, userID)
}
