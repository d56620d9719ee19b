package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gavelhouse/auction-backend/internal/domain/user"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
	"github.com/gavelhouse/auction-backend/internal/events"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
	"github.com/gavelhouse/auction-backend/internal/service/auctions"
	"github.com/gavelhouse/auction-backend/internal/testutil"
)

type gatewayFixture struct {
	gw      *Gateway
	srv     *httptest.Server
	live    *cache.LiveStore
	mr      *miniredis.Miniredis
	service *auctions.Service
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	live := cache.NewLiveStore(client, logger)
	sessions := cache.NewSessionStore(client, 24*time.Hour, logger)

	reg, err := metrics.NewRegistry("gateway-test")
	require.NoError(t, err)

	auctionCfg := config.AuctionConfig{
		MinBidIncrement:           1.00,
		AntiSnipeThresholdSeconds: 30,
		AntiSnipeExtensionSeconds: 30,
		MaxAntiSnipeExtensions:    3,
		DefaultDurationSeconds:    120,
		LiveStateBufferSeconds:    3600,
	}
	queueCfg := config.QueueConfig{
		BidStream:     "settlement:bids",
		AuctionStream: "settlement:auctions",
	}
	svc := auctions.NewService(live, testutil.NewFakeAuctionStore(), testutil.NewFakeContactStore(),
		testutil.NewFakeQueue(), auctionCfg, queueCfg, reg, logger)

	verifier := testutil.NewFakeVerifier()
	verifier.Tokens["alice-token"] = &user.Claims{UserID: "alice-1", Username: "alice"}
	verifier.Tokens["bob-token"] = &user.Claims{UserID: "bob-1", Username: "bob"}

	sessionCfg := config.SessionConfig{
		HeartbeatSeconds: 25,
		TimeoutSeconds:   60,
		MirrorTTL:        24 * time.Hour,
	}

	gw := NewGateway(verifier, live, sessions, svc, sessionCfg,
		config.CORSConfig{}, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{gw: gw, srv: srv, live: live, mr: mr, service: svc}
}

// liveAuction creates an auction with materialized hot state.
func (f *gatewayFixture) liveAuction(t *testing.T) string {
	t.Helper()
	a, err := f.service.Create(context.Background(), "host-1", auctions.CreateParams{
		Title:       "Vintage camera",
		Duration:    120,
		StartingBid: values.MustMoney("100"),
	})
	require.NoError(t, err)
	return a.ID.String()
}

func (f *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitEvent reads until an event of the wanted type arrives, skipping
// unrelated traffic.
func awaitEvent(t *testing.T, conn *websocket.Conn, eventType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)

		var evt map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &evt))
		if evt["type"] == eventType {
			return evt
		}
	}
	t.Fatalf("no %s event within deadline", eventType)
	return nil
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected event: %s", data)
}

func joinAuction(t *testing.T, conn *websocket.Conn, auctionID string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.WriteJSON(clientMessage{Type: msgJoinAuction, AuctionID: auctionID}))
	return awaitEvent(t, conn, evtJoinedAuction)
}

func TestGatewayRejectsBadHandshake(t *testing.T) {
	f := newGatewayFixture(t)
	base := "ws" + strings.TrimPrefix(f.srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=forged", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayConnectAnnouncesIdentity(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "alice-token")

	evt := awaitEvent(t, conn, evtConnected)
	assert.Equal(t, "alice-1", evt["user_id"])
	assert.Equal(t, "alice", evt["username"])

	// Session mirror is readable by other processes.
	sid, _ := evt["session_id"].(string)
	require.NotEmpty(t, sid)
	assert.True(t, f.mr.Exists(cache.ConnectionKey(sid)))
}

func TestGatewayJoinSendsSnapshot(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)
	conn := f.dial(t, "alice-token")
	awaitEvent(t, conn, evtConnected)

	snap := joinAuction(t, conn, auctionID)
	assert.Equal(t, "live", snap["status"])
	assert.Equal(t, 100.0, snap["current_high_bid"])
	assert.Equal(t, 1.0, snap["participant_count"])
	assert.Equal(t, false, snap["you_are_winning"])
	assert.Greater(t, snap["time_remaining"], 0.0)

	// Participant set and denormalized count both updated.
	state, err := f.live.GetState(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.ParticipantCount)
	members, err := f.live.Participants(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice-1"}, members)
}

func TestGatewayJoinUnknownAuction(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "alice-token")
	awaitEvent(t, conn, evtConnected)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: msgJoinAuction, AuctionID: uuid.NewString()}))
	evt := awaitEvent(t, conn, evtError)
	assert.Equal(t, "AUCTION_NOT_FOUND", evt["code"])
}

func TestGatewayUserJoinedExcludesJoiner(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)

	alice := f.dial(t, "alice-token")
	awaitEvent(t, alice, evtConnected)
	joinAuction(t, alice, auctionID)

	bob := f.dial(t, "bob-token")
	awaitEvent(t, bob, evtConnected)
	joinAuction(t, bob, auctionID)

	evt := awaitEvent(t, alice, evtUserJoined)
	assert.Equal(t, "bob-1", evt["user_id"])
	assert.Equal(t, 2.0, evt["participant_count"])
	expectSilence(t, bob)
}

func TestGatewayBidUpdateFanOut(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)
	ctx := context.Background()

	alice := f.dial(t, "alice-token")
	awaitEvent(t, alice, evtConnected)
	joinAuction(t, alice, auctionID)

	bob := f.dial(t, "bob-token")
	awaitEvent(t, bob, evtConnected)
	joinAuction(t, bob, auctionID)
	awaitEvent(t, alice, evtUserJoined)

	// Commit a bid directly, then deliver the pub/sub hint. The update must
	// carry freshly read state, not the hint's payload.
	accepted, err := f.live.CommitBid(ctx, auctionID, values.MustMoney("150"), "bob-1", "bob", time.Now().UnixMilli())
	require.NoError(t, err)
	require.True(t, accepted)
	require.NoError(t, f.live.AddTopBid(ctx, auctionID, "bob-1", "bob", values.MustMoney("150"), time.Now().UnixMilli()))

	hint, err := json.Marshal(events.BidEvent{Type: events.TypeBid, AuctionID: auctionID, Amount: 1})
	require.NoError(t, err)
	f.gw.HandleEvent(auctionID, cache.ChannelKindEvents, hint)

	// No sender skip on bid events: both sessions, including the bidder's,
	// see the update.
	for _, conn := range []*websocket.Conn{alice, bob} {
		evt := awaitEvent(t, conn, evtBidUpdate)
		assert.Equal(t, 150.0, evt["high_bid"])
		assert.Equal(t, "bob", evt["high_bidder_username"])
		assert.Equal(t, 1.0, evt["bid_count"])
		top := evt["top_bids"].([]interface{})
		require.Len(t, top, 1)
	}
}

func TestGatewayChatEchoSuppression(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)
	ctx := context.Background()

	alice := f.dial(t, "alice-token")
	aliceSID := awaitEvent(t, alice, evtConnected)["session_id"].(string)
	joinAuction(t, alice, auctionID)

	bob := f.dial(t, "bob-token")
	awaitEvent(t, bob, evtConnected)
	joinAuction(t, bob, auctionID)
	awaitEvent(t, alice, evtUserJoined)

	require.NoError(t, alice.WriteJSON(clientMessage{Type: msgChatMessage, AuctionID: auctionID, Message: "hi"}))

	// The message lands in the ring buffer stamped with the sender session.
	var stamped events.ChatEvent
	require.Eventually(t, func() bool {
		history, err := f.live.ChatHistory(ctx, auctionID, 50)
		if err != nil || len(history) == 0 {
			return false
		}
		stamped = events.ChatEvent{
			Type:            events.TypeChat,
			MessageID:       history[0].MessageID,
			AuctionID:       auctionID,
			UserID:          history[0].UserID,
			Username:        history[0].Username,
			Message:         history[0].Message,
			TimestampMS:     history[0].Timestamp,
			SenderSessionID: history[0].SenderSessionID,
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, aliceSID, stamped.SenderSessionID)

	payload, err := json.Marshal(stamped)
	require.NoError(t, err)
	f.gw.HandleEvent(auctionID, cache.ChannelKindChat, payload)

	evt := awaitEvent(t, bob, evtChatMessage)
	assert.Equal(t, "hi", evt["message"])
	assert.Equal(t, "alice-1", evt["user_id"])
	assert.Equal(t, aliceSID, evt["sender_session_id"])

	// The sender rendered optimistically and gets no echo.
	expectSilence(t, alice)
}

func TestGatewayChatValidation(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)

	conn := f.dial(t, "alice-token")
	awaitEvent(t, conn, evtConnected)

	// Not joined yet.
	require.NoError(t, conn.WriteJSON(clientMessage{Type: msgChatMessage, AuctionID: auctionID, Message: "hi"}))
	evt := awaitEvent(t, conn, evtError)
	assert.Equal(t, "NOT_IN_ROOM", evt["code"])

	joinAuction(t, conn, auctionID)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: msgChatMessage, AuctionID: auctionID, Message: "   "}))
	evt = awaitEvent(t, conn, evtError)
	assert.Equal(t, "EMPTY_MESSAGE", evt["code"])

	require.NoError(t, conn.WriteJSON(clientMessage{
		Type: msgChatMessage, AuctionID: auctionID, Message: strings.Repeat("x", 501),
	}))
	evt = awaitEvent(t, conn, evtError)
	assert.Equal(t, "MESSAGE_TOO_LONG", evt["code"])
}

func TestGatewayTimerRelay(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)

	conn := f.dial(t, "alice-token")
	awaitEvent(t, conn, evtConnected)
	joinAuction(t, conn, auctionID)

	now := time.Now().UnixMilli()
	payload, err := json.Marshal(events.TimerSyncEvent{
		Type:         events.TypeTimerSync,
		AuctionID:    auctionID,
		SyncType:     events.SyncHeartbeat,
		EndTimeMS:    now + 45_000,
		ServerTimeMS: now,
	})
	require.NoError(t, err)
	f.gw.HandleEvent(auctionID, cache.ChannelKindTimer, payload)

	evt := awaitEvent(t, conn, evtTimerUpdate)
	assert.Equal(t, "heartbeat", evt["sync_type"])
	assert.Equal(t, 45_000.0, evt["time_remaining_ms"])
	assert.Equal(t, float64(now+45_000), evt["auction_end_time"])
}

func TestGatewayAuctionEndedRelay(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)

	conn := f.dial(t, "alice-token")
	awaitEvent(t, conn, evtConnected)
	joinAuction(t, conn, auctionID)

	payload, err := json.Marshal(events.AuctionEndEvent{
		Type:           events.TypeAuctionEnd,
		AuctionID:      auctionID,
		WinnerID:       "bob-1",
		WinnerUsername: "bob",
		WinningBid:     250,
		BidCount:       7,
		EndedAtMS:      time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	f.gw.HandleEvent(auctionID, cache.ChannelKindEvents, payload)

	evt := awaitEvent(t, conn, evtAuctionEnded)
	assert.Equal(t, "bob", evt["winner_username"])
	assert.Equal(t, 250.0, evt["winning_bid"])
	assert.Equal(t, 7.0, evt["bid_count"])
}

func TestGatewayLeaveAndDisconnectCleanup(t *testing.T) {
	f := newGatewayFixture(t)
	auctionID := f.liveAuction(t)
	ctx := context.Background()

	alice := f.dial(t, "alice-token")
	awaitEvent(t, alice, evtConnected)
	joinAuction(t, alice, auctionID)

	bob := f.dial(t, "bob-token")
	awaitEvent(t, bob, evtConnected)
	joinAuction(t, bob, auctionID)
	awaitEvent(t, alice, evtUserJoined)

	// Explicit leave.
	require.NoError(t, alice.WriteJSON(clientMessage{Type: msgLeaveAuction, AuctionID: auctionID}))
	awaitEvent(t, alice, evtLeftAuction)

	evt := awaitEvent(t, bob, evtUserLeft)
	assert.Equal(t, "alice-1", evt["user_id"])
	assert.Equal(t, 1.0, evt["participant_count"])

	members, err := f.live.Participants(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob-1"}, members)

	// Abnormal disconnect gets the same cleanup.
	bob.Close()
	require.Eventually(t, func() bool {
		members, err := f.live.Participants(ctx, auctionID)
		return err == nil && len(members) == 0
	}, 2*time.Second, 10*time.Millisecond)

	state, err := f.live.GetState(ctx, auctionID)
	require.NoError(t, err)
	assert.Equal(t, 0, state.ParticipantCount)
}

func TestGatewayPing(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "alice-token")
	awaitEvent(t, conn, evtConnected)

	require.NoError(t, conn.WriteJSON(clientMessage{Type: msgPing}))
	evt := awaitEvent(t, conn, evtPong)
	assert.Greater(t, evt["timestamp"], 0.0)
}
