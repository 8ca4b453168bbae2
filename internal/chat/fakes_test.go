package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/model"
	"github.com/viafix/internal/repository"
)

// memStore is an in-memory ThreadStore + MessageStore + UserStore used to
// exercise the service without a database.
type memStore struct {
	mu      sync.Mutex
	users   map[string]*model.User
	threads map[string]*model.Thread
	parts   map[string][]model.ThreadParticipant
	msgs    map[string][]model.Message

	failBump     bool
	failMarkRead bool
	failHistory  bool

	// historyGate, when set, is closed by the test to release a blocked
	// GetThreadMessages call, simulating a slow history load.
	historyGate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]*model.User),
		threads: make(map[string]*model.Thread),
		parts:   make(map[string][]model.ThreadParticipant),
		msgs:    make(map[string][]model.Message),
	}
}

func (s *memStore) addUser(id, name string, role model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &model.User{ID: id, Username: name, Role: role}
}

func (s *memStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) FindOrCreate(ctx context.Context, userA, userAName, userB, userBName string) (*model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := userA, userB
	nameA, nameB := userAName, userBName
	if b < a {
		a, b = b, a
		nameA, nameB = nameB, nameA
	}
	for _, t := range s.threads {
		if t.Participants[0] == a && t.Participants[1] == b {
			cp := *t
			return &cp, nil
		}
	}
	t := &model.Thread{
		ID:            uuid.NewString(),
		Participants:  [2]string{a, b},
		LastMessageAt: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	s.threads[t.ID] = t
	s.parts[t.ID] = []model.ThreadParticipant{
		{ThreadID: t.ID, UserID: a, DisplayName: nameA},
		{ThreadID: t.ID, UserID: b, DisplayName: nameB},
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) GetThreadByID(id string) *model.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (s *memStore) GetParticipants(ctx context.Context, threadID string) ([]model.ThreadParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ThreadParticipant, len(s.parts[threadID]))
	copy(out, s.parts[threadID])
	return out, nil
}

func (s *memStore) GetUserThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Thread
	for _, t := range s.threads {
		if t.HasParticipant(userID) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *memStore) BumpOnSend(ctx context.Context, threadID, receiverID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBump {
		return errors.New("bump failed")
	}
	t, ok := s.threads[threadID]
	if !ok {
		return repository.ErrNotFound
	}
	if at.After(t.LastMessageAt) {
		t.LastMessageAt = at
	}
	parts := s.parts[threadID]
	for i := range parts {
		if parts[i].UserID == receiverID {
			parts[i].UnreadCount++
		}
	}
	return nil
}

func (s *memStore) ResetUnread(ctx context.Context, threadID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := s.parts[threadID]
	for i := range parts {
		if parts[i].UserID == userID {
			parts[i].UnreadCount = 0
			parts[i].LastReadAt = at
		}
	}
	return nil
}

func (s *memStore) GetTotalUnread(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, parts := range s.parts {
		for _, p := range parts {
			if p.UserID == userID {
				total += p.UnreadCount
			}
		}
	}
	return total, nil
}

func (s *memStore) unread(threadID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts[threadID] {
		if p.UserID == userID {
			return p.UnreadCount
		}
	}
	return 0
}

func (s *memStore) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ThreadID] = append(s.msgs[m.ThreadID], *m)
	return nil
}

func (s *memStore) GetThreadMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	if gate := s.gate(); gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHistory {
		return nil, errors.New("history load failed")
	}
	out := make([]model.Message, len(s.msgs[threadID]))
	copy(out, s.msgs[threadID])
	return out, nil
}

func (s *memStore) gate() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyGate
}

func (s *memStore) GetLastMessage(ctx context.Context, threadID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[threadID]
	if len(msgs) == 0 {
		return nil, nil
	}
	cp := msgs[len(msgs)-1]
	return &cp, nil
}

func (s *memStore) MarkAsRead(ctx context.Context, threadID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMarkRead {
		return 0, errors.New("mark read failed")
	}
	var n int64
	msgs := s.msgs[threadID]
	for i := range msgs {
		if msgs[i].ReceiverID == userID && !msgs[i].IsRead {
			msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}

// threadGetter adapts memStore to the ThreadStore GetByID signature.
type threadGetter struct{ *memStore }

func (g threadGetter) GetByID(ctx context.Context, id string) (*model.Thread, error) {
	if t := g.GetThreadByID(id); t != nil {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

func newTestService(store *memStore, b *broker.Broker) *Service {
	return NewService(threadGetter{store}, store, store, b)
}

func seedPair(store *memStore) {
	store.addUser("cust-1", "Ava Customer", model.RoleCustomer)
	store.addUser("mech-1", "Max Mechanic", model.RoleMechanic)
}

func seedMessages(store *memStore, threadID string, n int, senderID, receiverID string) {
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		store.msgs[threadID] = append(store.msgs[threadID], model.Message{
			ID:         fmt.Sprintf("seed-%d", i),
			ThreadID:   threadID,
			SenderID:   senderID,
			ReceiverID: receiverID,
			Content:    fmt.Sprintf("message %d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
	}
}
