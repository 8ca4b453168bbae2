package storage

import "context"

// SessionStore holds session secrets and send rate-limit state.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type SessionStore interface {
	SetSessionSecret(ctx context.Context, sessionID, secret string) error
	GetSessionSecret(ctx context.Context, sessionID string) (string, error)
	DeleteSessionSecret(ctx context.Context, sessionID string) error
	CheckSendRateLimit(ctx context.Context, userID string) (allowed bool, err error)
	Close() error
}
