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

var ErrNotFound = errors.New("not found")

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, role, email, avatar_url, is_online, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Username, u.Role, u.Email, u.AvatarURL, u.IsOnline, u.LastSeenAt, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, role, email, avatar_url, is_online, last_seen_at, created_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Role, &u.Email, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) SetOnline(ctx context.Context, id string, online bool) error {
	defer logger.DeferLogDuration("user.SetOnline", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET is_online = $1, last_seen_at = NOW() WHERE id = $2`,
		online, id,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetOnline: %w", err)
	}
	return nil
}

// SearchByName matches usernames case-insensitively, excluding the caller.
func (r *UserRepository) SearchByName(ctx context.Context, callerID, query string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.SearchByName", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, username, role, email, avatar_url, is_online, last_seen_at, created_at
		 FROM users
		 WHERE id != $1 AND username ILIKE '%' || $2 || '%'
		 ORDER BY username
		 LIMIT $3`, callerID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.SearchByName query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.Email, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("userRepo.SearchByName scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.SearchByName rows: %w", err)
	}
	return users, nil
}
