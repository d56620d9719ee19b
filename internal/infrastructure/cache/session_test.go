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

func newTestSessionStore(t *testing.T, ttl time.Duration) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSessionStore(client, ttl, zaptest.NewLogger(t)), mr
}

func TestSessionRoundTrip(t *testing.T) {
	store, _ := newTestSessionStore(t, time.Minute)
	ctx := context.Background()

	sess := Session{
		SessionID:   "sid-1",
		UserID:      "u1",
		Username:    "alice",
		AuctionID:   "a1",
		ConnectedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, sess, *got)
}

func TestSessionExpires(t *testing.T) {
	store, mr := newTestSessionStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Session{SessionID: "sid-1", UserID: "u1"}))
	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "sid-1")
	var notFound ErrSessionNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestSessionTouchExtendsTTL(t *testing.T) {
	store, mr := newTestSessionStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Session{SessionID: "sid-1", UserID: "u1"}))

	mr.FastForward(45 * time.Second)
	require.NoError(t, store.Touch(ctx, "sid-1"))

	// Touch restarts the clock, so the original deadline passes harmlessly.
	mr.FastForward(45 * time.Second)
	_, err := store.Get(ctx, "sid-1")
	require.NoError(t, err)
}

func TestSessionTouchMissing(t *testing.T) {
	store, _ := newTestSessionStore(t, time.Minute)

	err := store.Touch(context.Background(), "nope")
	var notFound ErrSessionNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestSessionDelete(t *testing.T) {
	store, _ := newTestSessionStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Session{SessionID: "sid-1", UserID: "u1"}))
	require.NoError(t, store.Delete(ctx, "sid-1"))

	_, err := store.Get(ctx, "sid-1")
	var notFound ErrSessionNotFound
	require.ErrorAs(t, err, &notFound)
}
