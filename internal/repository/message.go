package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, sender_id, sender_name, receiver_id, content, client_ref, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ThreadID, m.SenderID, m.SenderName, m.ReceiverID, m.Content, m.ClientRef, m.IsRead, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, thread_id, sender_id, sender_name, receiver_id, content, client_ref, is_read, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.SenderName, &m.ReceiverID, &m.Content, &m.ClientRef, &m.IsRead, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetThreadMessages returns the thread's full history in ascending timestamp
// order. Each call re-fetches; there is no cursor.
func (r *MessageRepository) GetThreadMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetThreadMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, thread_id, sender_id, sender_name, receiver_id, content, client_ref, is_read, created_at
		 FROM messages
		 WHERE thread_id = $1
		 ORDER BY created_at ASC`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetThreadMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.SenderName, &m.ReceiverID, &m.Content, &m.ClientRef, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetThreadMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetThreadMessages rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) GetLastMessage(ctx context.Context, threadID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, thread_id, sender_id, sender_name, receiver_id, content, client_ref, is_read, created_at
		 FROM messages
		 WHERE thread_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, threadID,
	).Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.SenderName, &m.ReceiverID, &m.Content, &m.ClientRef, &m.IsRead, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return m, nil
}

// MarkAsRead flips is_read on every unread message addressed to userID in the
// thread. Returns the number of messages flipped.
func (r *MessageRepository) MarkAsRead(ctx context.Context, threadID, userID string) (int64, error) {
	defer logger.DeferLogDuration("msg.MarkAsRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE thread_id = $1 AND receiver_id = $2 AND NOT is_read`,
		threadID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkAsRead: %w", err)
	}
	return tag.RowsAffected(), nil
}
