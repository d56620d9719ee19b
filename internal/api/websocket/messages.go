package websocket

import "github.com/gavelhouse/auction-backend/internal/domain/auction"

// Client to server message types.
const (
	msgJoinAuction  = "join_auction"
	msgLeaveAuction = "leave_auction"
	msgChatMessage  = "chat_message"
	msgPing         = "ping"
)

// Server to client event types.
const (
	evtConnected     = "connected"
	evtJoinedAuction = "joined_auction"
	evtLeftAuction   = "left_auction"
	evtUserJoined    = "user_joined"
	evtUserLeft      = "user_left"
	evtBidUpdate     = "bid_update"
	evtTimerUpdate   = "timer_update"
	evtAuctionEnded  = "auction_ended"
	evtChatMessage   = "chat_message"
	evtPong          = "pong"
	evtError         = "error"
)

// clientMessage is the single inbound envelope. Identity never comes from
// here; it is resolved from the session that sent it.
type clientMessage struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type connectedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

type joinedAuctionEvent struct {
	Type string `json:"type"`
	*auction.Snapshot
}

type leftAuctionEvent struct {
	Type      string `json:"type"`
	AuctionID string `json:"auction_id"`
}

// presenceEvent announces a user entering or leaving a room.
type presenceEvent struct {
	Type             string `json:"type"`
	AuctionID        string `json:"auction_id"`
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	ParticipantCount int    `json:"participant_count"`
}

type bidUpdateEvent struct {
	Type               string           `json:"type"`
	AuctionID          string           `json:"auction_id"`
	HighBid            float64          `json:"high_bid"`
	HighBidderUsername string           `json:"high_bidder_username,omitempty"`
	TopBids            []auction.TopBid `json:"top_bids"`
	BidCount           int              `json:"bid_count"`
	ParticipantCount   int              `json:"participant_count"`
}

type timerUpdateEvent struct {
	Type            string `json:"type"`
	AuctionID       string `json:"auction_id"`
	ServerTimeMS    int64  `json:"server_time"`
	AuctionEndMS    int64  `json:"auction_end_time"`
	TimeRemainingMS int64  `json:"time_remaining_ms"`
	SyncType        string `json:"sync_type"`
}

type auctionEndedEvent struct {
	Type           string  `json:"type"`
	AuctionID      string  `json:"auction_id"`
	WinnerID       string  `json:"winner_id,omitempty"`
	WinnerUsername string  `json:"winner_username,omitempty"`
	WinningBid     float64 `json:"winning_bid,omitempty"`
	BidCount       int     `json:"bid_count"`
	EndedAtMS      int64   `json:"ended_at"`
}

type chatBroadcast struct {
	Type            string `json:"type"`
	AuctionID       string `json:"auction_id"`
	MessageID       string `json:"message_id"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	Message         string `json:"message"`
	SenderSessionID string `json:"sender_session_id,omitempty"`
	TimestampMS     int64  `json:"timestamp"`
}

type pongEvent struct {
	Type        string `json:"type"`
	TimestampMS int64  `json:"timestamp"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
