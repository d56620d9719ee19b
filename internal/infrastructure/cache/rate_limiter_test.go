package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRateLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, zaptest.NewLogger(t))
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := newTestRateLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := rl.Allow(ctx, "client-a", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}

	ok, err := rl.Allow(ctx, "client-a", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	rl := newTestRateLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rl.Allow(ctx, "client-a", 3, time.Minute)
		require.NoError(t, err)
	}

	ok, err := rl.Allow(ctx, "client-b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := newTestRateLimiter(t)
	ctx := context.Background()

	remaining, err := rl.Remaining(ctx, "client-a", 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)

	for i := 0; i < 4; i++ {
		_, err := rl.Allow(ctx, "client-a", 10, time.Minute)
		require.NoError(t, err)
	}

	remaining, err = rl.Remaining(ctx, "client-a", 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 6, remaining)
}

func TestRateLimiterReset(t *testing.T) {
	rl := newTestRateLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rl.Allow(ctx, "client-a", 3, time.Minute)
		require.NoError(t, err)
	}
	ok, err := rl.Allow(ctx, "client-a", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, rl.Reset(ctx, "client-a"))

	ok, err = rl.Allow(ctx, "client-a", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
