package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Send rate limit: 60 messages per minute per user keeps a stuck client from
// flooding a thread.
const (
	SendRateLimitWindow = 60
	SendRateLimitMax    = 60
	SessionSecretTTL    = 30 * 24 * 3600
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetSessionSecret(ctx context.Context, sessionID, secret string) error {
	return c.cli.Set(ctx, "session_secret:"+sessionID, secret, SessionSecretTTL*time.Second).Err()
}

func (c *Client) GetSessionSecret(ctx context.Context, sessionID string) (string, error) {
	val, err := c.cli.Get(ctx, "session_secret:"+sessionID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) DeleteSessionSecret(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, "session_secret:"+sessionID).Err()
}

// CheckSendRateLimit counts sends in send_limit:{userID} over the window.
// Over the limit the caller answers HTTP 429 / a websocket error event.
func (c *Client) CheckSendRateLimit(ctx context.Context, userID string) (allowed bool, err error) {
	key := "send_limit:" + userID
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, key, SendRateLimitWindow*time.Second)
	}
	return n <= int64(SendRateLimitMax), nil
}
