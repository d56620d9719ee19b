// Package websocket is the realtime gateway: one hub of auction rooms fed
// by the shared store's pub/sub channels, with gorilla read/write pumps per
// connection. The gateway never trusts pub/sub payloads for bid state; a
// bid event triggers a fresh read before anything reaches a room.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/events"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/auth"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
)

const maxChatLength = 500

// SnapshotSource assembles the room state sent to a joining session.
// Satisfied by the auctions service.
type SnapshotSource interface {
	Snapshot(ctx context.Context, id uuid.UUID, viewerID string, withChat bool) (*auction.Snapshot, error)
}

// Gateway authenticates connections, tracks rooms and relays pub/sub
// traffic to them. One Gateway per process; Run must be started before
// ServeHTTP accepts connections.
type Gateway struct {
	verifier  auth.TokenVerifier
	live      *cache.LiveStore
	sessions  *cache.SessionStore
	snapshots SnapshotSource
	cfg       config.SessionConfig
	metrics   *metrics.Registry
	logger    *zap.Logger

	hub        *Hub
	register   chan *Client
	unregister chan *Client
	upgrader   websocket.Upgrader
	now        func() time.Time
}

func NewGateway(
	verifier auth.TokenVerifier,
	live *cache.LiveStore,
	sessions *cache.SessionStore,
	snapshots SnapshotSource,
	cfg config.SessionConfig,
	cors config.CORSConfig,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Gateway {
	origins := make(map[string]struct{}, len(cors.AllowedOrigins))
	for _, o := range cors.AllowedOrigins {
		origins[o] = struct{}{}
	}

	return &Gateway{
		verifier:   verifier,
		live:       live,
		sessions:   sessions,
		snapshots:  snapshots,
		cfg:        cfg,
		metrics:    reg,
		logger:     logger,
		hub:        NewHub(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		now: time.Now,
	}
}

// Run serves the register/unregister loop until ctx is canceled. Teardown
// for departing connections happens here, so abnormal disconnects get the
// same cleanup as explicit leaves.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-g.register:
			g.hub.add(c)
			g.metrics.ConnectionOpened()
			g.logger.Info("session connected",
				zap.String("session_id", c.sessionID),
				zap.String("user_id", c.userID),
				zap.Int("total_sessions", g.hub.ConnectedClients()))

		case c := <-g.unregister:
			g.teardown(context.Background(), c)
		}
	}
}

// ServeHTTP upgrades one connection. Browsers cannot set headers on a
// websocket handshake, so the bearer token rides a query parameter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		g.logger.Warn("websocket auth failed", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		sessionID:   uuid.NewString(),
		userID:      claims.UserID,
		username:    claims.Username,
		connectedAt: g.now().UTC(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		gateway:     g,
	}

	if err := g.sessions.Put(r.Context(), cache.Session{
		SessionID:   c.sessionID,
		UserID:      c.userID,
		Username:    c.username,
		ConnectedAt: c.connectedAt,
	}); err != nil {
		g.logger.Warn("session mirror write failed",
			zap.String("session_id", c.sessionID),
			zap.Error(err))
	}

	// Queue the welcome before the pumps start so it is flushed first and
	// cannot race the send-channel close on an instant disconnect.
	c.enqueue(connectedEvent{
		Type:      evtConnected,
		SessionID: c.sessionID,
		UserID:    c.userID,
		Username:  c.username,
	})

	g.register <- c
	go c.writePump()
	go c.readPump()
}

func (g *Gateway) handleClientMessage(c *Client, msg *clientMessage) {
	ctx := context.Background()
	switch msg.Type {
	case msgJoinAuction:
		g.joinAuction(ctx, c, msg.AuctionID)
	case msgLeaveAuction:
		g.leaveAuction(ctx, c, msg.AuctionID)
	case msgChatMessage:
		g.chat(ctx, c, msg.AuctionID, msg.Message)
	case msgPing:
		c.enqueue(pongEvent{Type: evtPong, TimestampMS: g.now().UnixMilli()})
	default:
		c.sendError("UNKNOWN_TYPE", "Unknown message type")
	}
}

func (g *Gateway) joinAuction(ctx context.Context, c *Client, auctionID string) {
	id, err := uuid.Parse(auctionID)
	if err != nil {
		c.sendError("INVALID_ID", "Invalid auction id")
		return
	}

	if _, err := g.live.GetState(ctx, auctionID); err != nil {
		if _, ok := err.(cache.ErrLiveStateNotFound); ok {
			c.sendError("AUCTION_NOT_FOUND", "Auction is not live")
		} else {
			g.logger.Warn("state read on join failed",
				zap.String("auction_id", auctionID), zap.Error(err))
			c.sendError("STATE_UNAVAILABLE", "Temporarily unavailable")
		}
		return
	}

	if err := g.live.AddParticipant(ctx, auctionID, c.userID); err != nil {
		g.logger.Warn("participant add failed",
			zap.String("auction_id", auctionID),
			zap.String("user_id", c.userID),
			zap.Error(err))
	}
	count := g.refreshParticipantCount(ctx, auctionID)

	g.hub.join(auctionID, c)
	g.mirrorRoom(ctx, c, auctionID)

	snap, err := g.snapshots.Snapshot(ctx, id, c.userID, true)
	if err != nil {
		g.logger.Warn("join snapshot failed",
			zap.String("auction_id", auctionID), zap.Error(err))
		c.sendError("STATE_UNAVAILABLE", "Temporarily unavailable")
	} else {
		c.enqueue(joinedAuctionEvent{Type: evtJoinedAuction, Snapshot: snap})
	}

	g.broadcastEvent(auctionID, evtUserJoined, presenceEvent{
		Type:             evtUserJoined,
		AuctionID:        auctionID,
		UserID:           c.userID,
		Username:         c.username,
		ParticipantCount: count,
	}, c.sessionID)

	g.logger.Info("session joined auction",
		zap.String("session_id", c.sessionID),
		zap.String("auction_id", auctionID),
		zap.Int("participant_count", count))
}

func (g *Gateway) leaveAuction(ctx context.Context, c *Client, auctionID string) {
	if !g.hub.leave(auctionID, c) {
		c.sendError("NOT_IN_ROOM", "Not joined to this auction")
		return
	}
	g.departRoom(ctx, c, auctionID)
	g.mirrorRoom(ctx, c, "")
	c.enqueue(leftAuctionEvent{Type: evtLeftAuction, AuctionID: auctionID})
}

func (g *Gateway) chat(ctx context.Context, c *Client, auctionID, text string) {
	if !g.hub.inRoom(auctionID, c) {
		c.sendError("NOT_IN_ROOM", "Join the auction before chatting")
		return
	}
	if strings.TrimSpace(text) == "" {
		c.sendError("EMPTY_MESSAGE", "Message cannot be empty")
		return
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		c.sendError("MESSAGE_TOO_LONG", "Message exceeds 500 characters")
		return
	}

	msg := auction.ChatMessage{
		MessageID:       uuid.NewString(),
		AuctionID:       auctionID,
		UserID:          c.userID,
		Username:        c.username,
		Message:         text,
		SenderSessionID: c.sessionID,
		Timestamp:       g.now().UnixMilli(),
	}
	if err := g.live.AppendChatMessage(ctx, msg); err != nil {
		g.logger.Warn("chat append failed",
			zap.String("auction_id", auctionID), zap.Error(err))
	}
	if err := g.live.Publish(ctx, cache.ChatChannel(auctionID), events.ChatEvent{
		Type:            events.TypeChat,
		MessageID:       msg.MessageID,
		AuctionID:       auctionID,
		UserID:          c.userID,
		Username:        c.username,
		Message:         text,
		TimestampMS:     msg.Timestamp,
		SenderSessionID: c.sessionID,
	}); err != nil {
		g.logger.Warn("chat publish failed",
			zap.String("auction_id", auctionID), zap.Error(err))
		c.sendError("CHAT_FAILED", "Could not deliver message")
		return
	}
	g.metrics.ChatMessagesCounter.Add(ctx, 1)
}

// HandleEvent is the pub/sub fan-in, wired as the subscriber's handler.
func (g *Gateway) HandleEvent(auctionID string, kind cache.ChannelKind, payload []byte) {
	ctx := context.Background()
	switch kind {
	case cache.ChannelKindEvents:
		g.relayAuctionEvent(ctx, auctionID, payload)
	case cache.ChannelKindTimer:
		g.relayTimerEvent(auctionID, payload)
	case cache.ChannelKindChat:
		g.relayChatEvent(auctionID, payload)
	}
}

func (g *Gateway) relayAuctionEvent(ctx context.Context, auctionID string, payload []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		g.logger.Warn("malformed event payload",
			zap.String("auction_id", auctionID), zap.Error(err))
		return
	}

	switch probe.Type {
	case events.TypeBid:
		g.broadcastBidUpdate(ctx, auctionID)

	case events.TypeAuctionEnd:
		var end events.AuctionEndEvent
		if err := json.Unmarshal(payload, &end); err != nil {
			g.logger.Warn("malformed auction end payload",
				zap.String("auction_id", auctionID), zap.Error(err))
			return
		}
		g.broadcastEvent(auctionID, evtAuctionEnded, auctionEndedEvent{
			Type:           evtAuctionEnded,
			AuctionID:      auctionID,
			WinnerID:       end.WinnerID,
			WinnerUsername: end.WinnerUsername,
			WinningBid:     end.WinningBid,
			BidCount:       end.BidCount,
			EndedAtMS:      end.EndedAtMS,
		}, "")
	}
}

// broadcastBidUpdate re-reads authoritative state and the leaderboard
// before fanning out. No sender skip: the bidder sees its own update.
func (g *Gateway) broadcastBidUpdate(ctx context.Context, auctionID string) {
	state, err := g.live.GetState(ctx, auctionID)
	if err != nil {
		g.logger.Warn("state read on bid event failed",
			zap.String("auction_id", auctionID), zap.Error(err))
		return
	}
	top, err := g.live.GetTopBids(ctx, auctionID, 3)
	if err != nil {
		g.logger.Warn("leaderboard read on bid event failed",
			zap.String("auction_id", auctionID), zap.Error(err))
		top = []auction.TopBid{}
	}

	g.broadcastEvent(auctionID, evtBidUpdate, bidUpdateEvent{
		Type:               evtBidUpdate,
		AuctionID:          auctionID,
		HighBid:            state.CurrentHighBid.ToFloat64(),
		HighBidderUsername: state.HighBidderUsername,
		TopBids:            top,
		BidCount:           state.BidCount,
		ParticipantCount:   state.ParticipantCount,
	}, "")
}

func (g *Gateway) relayTimerEvent(auctionID string, payload []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		g.logger.Warn("malformed timer payload",
			zap.String("auction_id", auctionID), zap.Error(err))
		return
	}

	switch probe.Type {
	case events.TypeTimerSync:
		var sync events.TimerSyncEvent
		if err := json.Unmarshal(payload, &sync); err != nil {
			return
		}
		remaining := sync.EndTimeMS - sync.ServerTimeMS
		if remaining < 0 {
			remaining = 0
		}
		g.broadcastEvent(auctionID, evtTimerUpdate, timerUpdateEvent{
			Type:            evtTimerUpdate,
			AuctionID:       auctionID,
			ServerTimeMS:    sync.ServerTimeMS,
			AuctionEndMS:    sync.EndTimeMS,
			TimeRemainingMS: remaining,
			SyncType:        sync.SyncType,
		}, "")

	case events.TypeAntiSnipe:
		// Tail extensions reach clients as a timer correction with the
		// new end time.
		var ext events.AntiSnipeEvent
		if err := json.Unmarshal(payload, &ext); err != nil {
			return
		}
		nowMS := g.now().UnixMilli()
		remaining := ext.NewEndTimeMS - nowMS
		if remaining < 0 {
			remaining = 0
		}
		g.broadcastEvent(auctionID, evtTimerUpdate, timerUpdateEvent{
			Type:            evtTimerUpdate,
			AuctionID:       auctionID,
			ServerTimeMS:    nowMS,
			AuctionEndMS:    ext.NewEndTimeMS,
			TimeRemainingMS: remaining,
			SyncType:        "extension",
		}, "")
	}
}

// relayChatEvent fans a chat message out to the room, skipping the sender
// session: the sender already rendered its own message optimistically.
func (g *Gateway) relayChatEvent(auctionID string, payload []byte) {
	var chat events.ChatEvent
	if err := json.Unmarshal(payload, &chat); err != nil {
		g.logger.Warn("malformed chat payload",
			zap.String("auction_id", auctionID), zap.Error(err))
		return
	}
	g.broadcastEvent(auctionID, evtChatMessage, chatBroadcast{
		Type:            evtChatMessage,
		AuctionID:       auctionID,
		MessageID:       chat.MessageID,
		UserID:          chat.UserID,
		Username:        chat.Username,
		Message:         chat.Message,
		SenderSessionID: chat.SenderSessionID,
		TimestampMS:     chat.TimestampMS,
	}, chat.SenderSessionID)
}

func (g *Gateway) broadcastEvent(auctionID, kind string, v interface{}, skipSessionID string) {
	payload, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	if n := g.hub.broadcast(auctionID, payload, skipSessionID); n > 0 {
		g.metrics.EventsRelayedCounter.Add(context.Background(), int64(n),
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// teardown finalizes a departing connection: hub removal, per-room
// cleanup, session mirror delete. Runs for every disconnect path.
func (g *Gateway) teardown(ctx context.Context, c *Client) {
	left, ok := g.hub.remove(c)
	if !ok {
		return
	}
	for _, auctionID := range left {
		g.departRoom(ctx, c, auctionID)
	}
	if err := g.sessions.Delete(ctx, c.sessionID); err != nil {
		g.logger.Warn("session mirror delete failed",
			zap.String("session_id", c.sessionID), zap.Error(err))
	}
	g.metrics.ConnectionClosed()
	g.logger.Info("session disconnected",
		zap.String("session_id", c.sessionID),
		zap.String("user_id", c.userID),
		zap.Int("total_sessions", g.hub.ConnectedClients()))
}

// departRoom runs the store-side half of leaving a room. Hub membership is
// already gone by the time this runs.
func (g *Gateway) departRoom(ctx context.Context, c *Client, auctionID string) {
	if err := g.live.RemoveParticipant(ctx, auctionID, c.userID); err != nil {
		g.logger.Warn("participant removal failed",
			zap.String("auction_id", auctionID),
			zap.String("user_id", c.userID),
			zap.Error(err))
	}
	count := g.refreshParticipantCount(ctx, auctionID)
	g.broadcastEvent(auctionID, evtUserLeft, presenceEvent{
		Type:             evtUserLeft,
		AuctionID:        auctionID,
		UserID:           c.userID,
		Username:         c.username,
		ParticipantCount: count,
	}, "")
}

// refreshParticipantCount re-derives the count from the participant set
// and writes it back into the state hash.
func (g *Gateway) refreshParticipantCount(ctx context.Context, auctionID string) int {
	count, err := g.live.ParticipantCount(ctx, auctionID)
	if err != nil {
		g.logger.Warn("participant count read failed",
			zap.String("auction_id", auctionID), zap.Error(err))
		return 0
	}
	if err := g.live.SetStateField(ctx, auctionID, "participant_count", strconv.Itoa(count)); err != nil {
		g.logger.Warn("participant count write failed",
			zap.String("auction_id", auctionID), zap.Error(err))
	}
	return count
}

// mirrorRoom rewrites the session mirror with the active room binding.
func (g *Gateway) mirrorRoom(ctx context.Context, c *Client, auctionID string) {
	if err := g.sessions.Put(ctx, cache.Session{
		SessionID:   c.sessionID,
		UserID:      c.userID,
		Username:    c.username,
		AuctionID:   auctionID,
		ConnectedAt: c.connectedAt,
	}); err != nil {
		g.logger.Warn("session mirror update failed",
			zap.String("session_id", c.sessionID), zap.Error(err))
	}
}

func (g *Gateway) touchSession(sessionID string) {
	if err := g.sessions.Touch(context.Background(), sessionID); err != nil {
		g.logger.Debug("session touch failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
