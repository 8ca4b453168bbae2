package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/model"
)

type ThreadRepository struct {
	pool *pgxpool.Pool
}

func NewThreadRepository(pool *pgxpool.Pool) *ThreadRepository {
	return &ThreadRepository{pool: pool}
}

// pairKey returns the two ids in canonical storage order (a < b).
func pairKey(userA, userB string) (string, string) {
	if userA < userB {
		return userA, userB
	}
	return userB, userA
}

// FindByPair looks for the thread of the participant pair {userA, userB},
// regardless of argument order.
func (r *ThreadRepository) FindByPair(ctx context.Context, userA, userB string) (*model.Thread, error) {
	defer logger.DeferLogDuration("thread.FindByPair", time.Now())()
	a, b := pairKey(userA, userB)
	t := &model.Thread{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, last_message_at, created_at
		 FROM threads WHERE participant_a = $1 AND participant_b = $2`, a, b,
	).Scan(&t.ID, &t.Participants[0], &t.Participants[1], &t.LastMessageAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.FindByPair: %w", err)
	}
	return t, nil
}

// FindOrCreate returns the pair's existing thread, or creates one with zero
// unread counts and the given display names. Stored names are not updated when
// they differ from the arguments on a hit.
func (r *ThreadRepository) FindOrCreate(ctx context.Context, userA, userAName, userB, userBName string) (*model.Thread, error) {
	defer logger.DeferLogDuration("thread.FindOrCreate", time.Now())()
	t, err := r.FindByPair(ctx, userA, userB)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	a, b := pairKey(userA, userB)
	now := time.Now().UTC()
	t = &model.Thread{
		ID:            uuid.New().String(),
		Participants:  [2]string{a, b},
		LastMessageAt: now,
		CreatedAt:     now,
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO threads (id, participant_a, participant_b, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (participant_a, participant_b) DO NOTHING`,
		t.ID, a, b, t.LastMessageAt, t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.FindOrCreate insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent open-chat; return the winner's row.
		return r.FindByPair(ctx, userA, userB)
	}

	names := map[string]string{userA: userAName, userB: userBName}
	for _, uid := range []string{a, b} {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO thread_participants (thread_id, user_id, display_name, unread_count, last_read_at)
			 VALUES ($1, $2, $3, 0, $4) ON CONFLICT DO NOTHING`,
			t.ID, uid, names[uid], now,
		)
		if err != nil {
			return nil, fmt.Errorf("threadRepo.FindOrCreate participant: %w", err)
		}
	}
	return t, nil
}

func (r *ThreadRepository) GetByID(ctx context.Context, id string) (*model.Thread, error) {
	defer logger.DeferLogDuration("thread.GetByID", time.Now())()
	t := &model.Thread{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b, last_message_at, created_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.Participants[0], &t.Participants[1], &t.LastMessageAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("threadRepo.GetByID: %w", err)
	}
	return t, nil
}

func (r *ThreadRepository) GetParticipants(ctx context.Context, threadID string) ([]model.ThreadParticipant, error) {
	defer logger.DeferLogDuration("thread.GetParticipants", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT thread_id, user_id, display_name, unread_count, last_read_at
		 FROM thread_participants WHERE thread_id = $1`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.GetParticipants query: %w", err)
	}
	defer rows.Close()

	parts := make([]model.ThreadParticipant, 0, 2)
	for rows.Next() {
		var p model.ThreadParticipant
		if err := rows.Scan(&p.ThreadID, &p.UserID, &p.DisplayName, &p.UnreadCount, &p.LastReadAt); err != nil {
			return nil, fmt.Errorf("threadRepo.GetParticipants scan: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadRepo.GetParticipants rows: %w", err)
	}
	return parts, nil
}

func (r *ThreadRepository) IsParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	defer logger.DeferLogDuration("thread.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM thread_participants WHERE thread_id = $1 AND user_id = $2)`,
		threadID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("threadRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

// GetUserThreads returns the user's threads ordered by most recent activity.
func (r *ThreadRepository) GetUserThreads(ctx context.Context, userID string) ([]model.Thread, error) {
	defer logger.DeferLogDuration("thread.GetUserThreads", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.participant_a, t.participant_b, t.last_message_at, t.created_at
		 FROM threads t
		 JOIN thread_participants tp ON tp.thread_id = t.id
		 WHERE tp.user_id = $1
		 ORDER BY t.last_message_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("threadRepo.GetUserThreads query: %w", err)
	}
	defer rows.Close()

	threads := make([]model.Thread, 0, 16)
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.Participants[0], &t.Participants[1], &t.LastMessageAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("threadRepo.GetUserThreads scan: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threadRepo.GetUserThreads rows: %w", err)
	}
	return threads, nil
}

// BumpOnSend advances last_message_at and atomically increments the receiver's
// unread count. A single statement per field keeps concurrent sends race-free.
func (r *ThreadRepository) BumpOnSend(ctx context.Context, threadID, receiverID string, at time.Time) error {
	defer logger.DeferLogDuration("thread.BumpOnSend", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE threads SET last_message_at = GREATEST(last_message_at, $1) WHERE id = $2`,
		at, threadID,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.BumpOnSend last_message_at: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE thread_participants SET unread_count = unread_count + 1
		 WHERE thread_id = $1 AND user_id = $2`,
		threadID, receiverID,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.BumpOnSend unread: %w", err)
	}
	return nil
}

// ResetUnread zeroes the reader's unread count and records last_read_at.
func (r *ThreadRepository) ResetUnread(ctx context.Context, threadID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("thread.ResetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE thread_participants SET unread_count = 0, last_read_at = $1
		 WHERE thread_id = $2 AND user_id = $3`,
		at, threadID, userID,
	)
	if err != nil {
		return fmt.Errorf("threadRepo.ResetUnread: %w", err)
	}
	return nil
}

// GetUnreadCount returns the user's unread count for one thread.
func (r *ThreadRepository) GetUnreadCount(ctx context.Context, threadID, userID string) (int, error) {
	defer logger.DeferLogDuration("thread.GetUnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT unread_count FROM thread_participants WHERE thread_id = $1 AND user_id = $2`,
		threadID, userID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("threadRepo.GetUnreadCount: %w", err)
	}
	return count, nil
}

// GetTotalUnread recounts the user's unread messages across all threads. The
// notification bridge calls this on every qualifying event instead of
// adjusting a local counter.
func (r *ThreadRepository) GetTotalUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("thread.GetTotalUnread", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(unread_count), 0) FROM thread_participants WHERE user_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("threadRepo.GetTotalUnread: %w", err)
	}
	return count, nil
}
