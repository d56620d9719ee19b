package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gavelhouse/auction-backend/internal/events"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
)

func TestSubscriberDispatchesByChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)

	type delivery struct {
		auctionID string
		kind      ChannelKind
		payload   []byte
	}
	received := make(chan delivery, 4)

	sub := NewSubscriber(client, config.PubSubConfig{
		RetryInitialDelay: 10 * time.Millisecond,
		RetryMaxDelay:     100 * time.Millisecond,
		RetryMultiplier:   2.0,
		RetryMaxAttempts:  3,
	}, func(auctionID string, kind ChannelKind, payload []byte) {
		received <- delivery{auctionID, kind, payload}
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	// Give the pattern subscription a moment to establish.
	time.Sleep(50 * time.Millisecond)

	store := NewLiveStore(client, logger)
	event := events.BidEvent{Type: events.TypeBid, AuctionID: "a1", Username: "alice", Amount: 20}
	require.NoError(t, store.Publish(ctx, EventsChannel("a1"), event))
	require.NoError(t, store.Publish(ctx, TimerChannel("a1"), events.TimerSyncEvent{Type: events.TypeTimerSync, AuctionID: "a1"}))

	var first delivery
	select {
	case first = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery on events channel")
	}
	assert.Equal(t, "a1", first.auctionID)
	assert.Equal(t, ChannelKindEvents, first.kind)

	var got events.BidEvent
	require.NoError(t, json.Unmarshal(first.payload, &got))
	assert.Equal(t, event, got)

	select {
	case second := <-received:
		assert.Equal(t, ChannelKindTimer, second.kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery on timer channel")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop on cancel")
	}
}
