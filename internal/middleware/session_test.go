package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viafix/internal/model"
	"github.com/viafix/internal/repository"
	"github.com/viafix/internal/storage/memory"
)

type fakeSessions struct {
	sessions map[string]*model.Session
}

func (f *fakeSessions) GetByID(ctx context.Context, id string) (*model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) UpdateLastSeen(ctx context.Context, sessionID string, t time.Time) error {
	return nil
}

func sign(secret []byte, method, path, body, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method + path + body + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func authStack(t *testing.T) (http.Handler, string, []byte) {
	t.Helper()
	secret := []byte("0123456789abcdef0123456789abcdef") // 32 bytes
	store := memory.New()
	require.NoError(t, store.SetSessionSecret(context.Background(), "sess-1",
		base64.StdEncoding.EncodeToString(secret)))

	sessions := &fakeSessions{sessions: map[string]*model.Session{
		"sess-1": {ID: "sess-1", UserID: "user-1"},
	}}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s|%s", GetUserID(r.Context()), GetSessionID(r.Context()))
	})
	return SessionAuth(sessions, store)(inner), "sess-1", secret
}

func TestSessionAuthAcceptsSignedRequest(t *testing.T) {
	h, sessionID, secret := authStack(t)

	body := `{"user_id":"other"}`
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/api/threads", strings.NewReader(body))
	req.Header.Set("X-Session-Id", sessionID)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sign(secret, http.MethodPost, "/api/threads", body, ts))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1|sess-1", rec.Body.String())
}

func TestSessionAuthAcceptsQueryParamsForWS(t *testing.T) {
	h, sessionID, secret := authStack(t)

	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig := sign(secret, http.MethodGet, "/ws", "", ts)
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/ws?session_id=%s&timestamp=%s&signature=%s", sessionID, ts, sig), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionAuthRejectsBadSignature(t *testing.T) {
	h, sessionID, _ := authStack(t)

	ts := fmt.Sprintf("%d", time.Now().Unix())
	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("X-Session-Id", sessionID)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", strings.Repeat("ab", 32))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsStaleTimestamp(t *testing.T) {
	h, sessionID, secret := authStack(t)

	ts := fmt.Sprintf("%d", time.Now().Add(-2*TimestampSkew).Unix())
	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("X-Session-Id", sessionID)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sign(secret, http.MethodGet, "/api/threads", "", ts))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsUnknownSession(t *testing.T) {
	h, _, secret := authStack(t)

	ts := fmt.Sprintf("%d", time.Now().Unix())
	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("X-Session-Id", "sess-unknown")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sign(secret, http.MethodGet, "/api/threads", "", ts))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionAuthRejectsMissingHeaders(t *testing.T) {
	h, _, _ := authStack(t)

	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
