// Package push talks to the web-push delivery service. The api service never
// holds VAPID keys or browser subscriptions itself; it forwards through this
// client. An empty base URL turns every method into a no-op so local setups
// run without the push service.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/viafix/internal/logger"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a push service is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Subscription is the browser's push subscription as produced by
// PushManager.subscribe.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type subscribeRequest struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
}

// Subscribe registers a browser subscription for a user with the push
// service.
func (c *Client) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	if c.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(subscribeRequest{UserID: userID, Subscription: sub})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/subscribe", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push subscribe: %d", resp.StatusCode)
	}
	return nil
}

// Unsubscribe removes one subscription by endpoint.
func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if c.baseURL == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"user_id": userID, "endpoint": endpoint})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/subscribe", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push unsubscribe: %d", resp.StatusCode)
	}
	return nil
}

type notifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// SendToUser asks the push service to deliver a notification to every
// subscription of a user. Delivery failures stay on the push side.
func (c *Client) SendToUser(ctx context.Context, userID, title, body string) error {
	if c.baseURL == "" {
		return nil
	}
	payload, _ := json.Marshal(notifyRequest{UserID: userID, Title: title, Body: body})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push notify: %d", resp.StatusCode)
	}
	return nil
}

// PublicKey fetches the VAPID public key clients need to subscribe.
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	if c.baseURL == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/vapid-public-key", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("push public key: %d", resp.StatusCode)
	}
	var out struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.PublicKey, nil
}

// MustPublicKey logs and returns empty on failure; used at startup where a
// missing push service is tolerated.
func (c *Client) MustPublicKey(ctx context.Context) string {
	key, err := c.PublicKey(ctx)
	if err != nil {
		logger.Errorf("push: public key fetch failed: %v", err)
		return ""
	}
	return key
}
