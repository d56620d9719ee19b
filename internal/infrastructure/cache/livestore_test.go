package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
)

func newTestStore(t *testing.T) (*LiveStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLiveStore(client, zaptest.NewLogger(t)), mr
}

func initTestAuction(t *testing.T, store *LiveStore, starting float64) string {
	t.Helper()
	auctionID := uuid.New().String()
	now := time.Now().UnixMilli()
	err := store.InitLiveState(context.Background(), auctionID, "host-1",
		values.NewMoneyFromFloat(starting), now, now+3600_000, time.Hour, time.Hour)
	require.NoError(t, err)
	return auctionID
}

func TestInitAndGetState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	auctionID := initTestAuction(t, store, 25.50)

	state, err := store.GetState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auction.StatusLive, state.Status)
	assert.Equal(t, "host-1", state.HostUserID)
	assert.Equal(t, "25.5", state.CurrentHighBid.Amount().String())
	assert.Empty(t, state.HighBidderID)
	assert.Zero(t, state.BidCount)
	assert.Zero(t, state.AntiSnipeCount)
	assert.Greater(t, state.EndTimeMS, state.StartTimeMS)
}

func TestGetStateMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetState(context.Background(), uuid.New().String())
	var notFound ErrLiveStateNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestCommitBidMonotone(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	ok, err := store.CommitBid(ctx, auctionID, values.NewMoneyFromFloat(15.00), "u1", "alice", 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	// Equal amount loses.
	ok, err = store.CommitBid(ctx, auctionID, values.NewMoneyFromFloat(15.00), "u2", "bob", 1001)
	require.NoError(t, err)
	assert.False(t, ok)

	// Lower amount loses.
	ok, err = store.CommitBid(ctx, auctionID, values.NewMoneyFromFloat(12.00), "u2", "bob", 1002)
	require.NoError(t, err)
	assert.False(t, ok)

	// Higher amount wins and replaces the leader.
	ok, err = store.CommitBid(ctx, auctionID, values.NewMoneyFromFloat(20.00), "u2", "bob", 1003)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := store.GetState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, "u2", state.HighBidderID)
	assert.Equal(t, "bob", state.HighBidderUsername)
	assert.Equal(t, "20", state.CurrentHighBid.Amount().String())
	assert.Equal(t, int64(1003), state.LastBidTimeMS)
	// Only accepted commits count.
	assert.Equal(t, 2, state.BidCount)
}

func TestAntiSnipeExtension(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	before, err := store.GetState(ctx, auctionID)
	require.NoError(t, err)

	res, err := store.ExtendForAntiSnipe(ctx, auctionID, 30*time.Second, 5, time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, before.EndTimeMS+30_000, res.NewEndTimeMS)

	// Both end-time copies move together.
	state, err := store.GetState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, res.NewEndTimeMS, state.EndTimeMS)

	endTime, ok, err := store.GetEndTime(ctx, auctionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.NewEndTimeMS, endTime)
}

func TestAntiSnipeCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	var lastEnd int64
	for i := 1; i <= 3; i++ {
		res, err := store.ExtendForAntiSnipe(ctx, auctionID, 30*time.Second, 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, res.Triggered)
		assert.Equal(t, i, res.Count)
		assert.Greater(t, res.NewEndTimeMS, lastEnd)
		lastEnd = res.NewEndTimeMS
	}

	// The cap holds no matter how many more bids land in the tail.
	for i := 0; i < 5; i++ {
		res, err := store.ExtendForAntiSnipe(ctx, auctionID, 30*time.Second, 3, time.Hour)
		require.NoError(t, err)
		assert.False(t, res.Triggered)
		assert.Equal(t, 3, res.Count)
	}

	state, err := store.GetState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.AntiSnipeCount)
	assert.Equal(t, lastEnd, state.EndTimeMS)
}

func TestTopBidsOrderingAndCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	require.NoError(t, store.AddTopBid(ctx, auctionID, "u1", "alice", values.NewMoneyFromFloat(15), 1000))
	require.NoError(t, store.AddTopBid(ctx, auctionID, "u2", "bob", values.NewMoneyFromFloat(20), 2000))
	require.NoError(t, store.AddTopBid(ctx, auctionID, "u3", "carol", values.NewMoneyFromFloat(18), 3000))
	require.NoError(t, store.AddTopBid(ctx, auctionID, "u4", "dave", values.NewMoneyFromFloat(25), 4000))

	top, err := store.GetTopBids(ctx, auctionID, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "dave", top[0].Username)
	assert.Equal(t, 25.0, top[0].Amount)
	assert.Equal(t, "bob", top[1].Username)
	assert.Equal(t, "carol", top[2].Username)
}

func TestTopBidsTieBreaksToEarliest(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	require.NoError(t, store.AddTopBid(ctx, auctionID, "u1", "alice", values.NewMoneyFromFloat(20), 1000))
	require.NoError(t, store.AddTopBid(ctx, auctionID, "u2", "bob", values.NewMoneyFromFloat(20), 2000))

	top, err := store.GetTopBids(ctx, auctionID, 3)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "alice", top[0].Username)
	assert.Equal(t, "bob", top[1].Username)
}

func TestParticipants(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	require.NoError(t, store.AddParticipant(ctx, auctionID, "u1"))
	require.NoError(t, store.AddParticipant(ctx, auctionID, "u2"))
	// Duplicate joins do not inflate the count.
	require.NoError(t, store.AddParticipant(ctx, auctionID, "u1"))

	n, err := store.ParticipantCount(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.RemoveParticipant(ctx, auctionID, "u1"))
	n, err = store.ParticipantCount(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChatHistoryTrims(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	for i := 0; i < chatHistoryLimit+10; i++ {
		msg := auction.ChatMessage{
			MessageID: uuid.New().String(),
			AuctionID: auctionID,
			UserID:    "u1",
			Username:  "alice",
			Message:   "hello",
			Timestamp: int64(i),
		}
		require.NoError(t, store.AppendChatMessage(ctx, msg))
	}

	history, err := store.ChatHistory(ctx, auctionID, chatHistoryLimit)
	require.NoError(t, err)
	require.Len(t, history, chatHistoryLimit)
	// Oldest surviving entry is the 11th appended.
	assert.Equal(t, int64(10), history[0].Timestamp)
	assert.Equal(t, int64(chatHistoryLimit+9), history[len(history)-1].Timestamp)
}

func TestMarkClosed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	auctionID := initTestAuction(t, store, 10.00)

	require.NoError(t, store.MarkClosed(ctx, auctionID))

	state, err := store.GetState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, auction.StatusClosed, state.Status)
}

func TestEndTimeFallbackSignal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetEndTime(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, ok)

	auctionID := initTestAuction(t, store, 10.00)
	endTime, ok, err := store.GetEndTime(ctx, auctionID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Positive(t, endTime)

	require.NoError(t, store.SetEndTime(ctx, auctionID, endTime+5000, time.Hour))
	updated, ok, err := store.GetEndTime(ctx, auctionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, endTime+5000, updated)
}
