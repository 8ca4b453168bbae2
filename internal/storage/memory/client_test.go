package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSecretRoundTrip(t *testing.T) {
	c := New()
	ctx := context.Background()

	got, err := c.GetSessionSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.SetSessionSecret(ctx, "s1", "secret-value"))
	got, err = c.GetSessionSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", got)

	require.NoError(t, c.DeleteSessionSecret(ctx, "s1"))
	got, err = c.GetSessionSecret(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSendRateLimitWindow(t *testing.T) {
	c := New()
	ctx := context.Background()

	for i := 0; i < sendRateLimitMax; i++ {
		ok, err := c.CheckSendRateLimit(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok, "send %d should be allowed", i+1)
	}

	ok, err := c.CheckSendRateLimit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "limit exceeded")

	// Other users have their own window.
	ok, err = c.CheckSendRateLimit(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok)
}
