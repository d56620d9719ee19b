// Package events defines the wire payloads shared by the hot path, the
// timer controller, the gateway and settlement. Every message carries a
// "type" discriminator so mixed channels stay routable.
package events

import "github.com/gavelhouse/auction-backend/internal/domain/user"

// Event type discriminators.
const (
	TypeBid        = "bid"
	TypeAntiSnipe  = "anti_snipe"
	TypeTimerSync  = "timer_sync"
	TypeAuctionEnd = "auction_end"
	TypeChat       = "chat_message"
)

// Timer sync flavors.
const (
	SyncHeartbeat = "heartbeat"
	SyncFinal     = "final"
)

// BidEvent announces an accepted bid on the events channel. Subscribers
// treat it as a hint and re-read authoritative state before broadcasting.
type BidEvent struct {
	Type               string  `json:"type"`
	AuctionID          string  `json:"auction_id"`
	UserID             string  `json:"user_id"`
	Username           string  `json:"username"`
	Amount             float64 `json:"amount"`
	BidCount           int     `json:"bid_count"`
	IsNewHigh          bool    `json:"is_new_high"`
	AntiSnipeTriggered bool    `json:"anti_snipe_triggered"`
	TimestampMS        int64   `json:"timestamp"`
	SenderSessionID    string  `json:"sender_session_id,omitempty"`
}

// AntiSnipeEvent announces a tail extension.
type AntiSnipeEvent struct {
	Type         string `json:"type"`
	AuctionID    string `json:"auction_id"`
	NewEndTimeMS int64  `json:"new_end_time"`
	Count        int    `json:"extension_count"`
	MaxCount     int    `json:"max_extensions"`
}

// TimerSyncEvent is the periodic countdown broadcast on the timer channel.
// SyncType is "heartbeat" for the once-per-second tick and "final" for the
// last message before close.
type TimerSyncEvent struct {
	Type          string `json:"type"`
	AuctionID     string `json:"auction_id"`
	SyncType      string `json:"sync_type"`
	EndTimeMS     int64  `json:"end_time"`
	TimeRemaining int    `json:"time_remaining"`
	ServerTimeMS  int64  `json:"server_time"`
}

// AuctionEndEvent announces the terminal close, including the outcome.
type AuctionEndEvent struct {
	Type            string  `json:"type"`
	AuctionID       string  `json:"auction_id"`
	WinnerID        string  `json:"winner_id,omitempty"`
	WinnerUsername  string  `json:"winner_username,omitempty"`
	WinningBid      float64 `json:"winning_bid,omitempty"`
	BidCount        int     `json:"bid_count"`
	ClosedByHost    bool    `json:"closed_by_host,omitempty"`
	EndedAtMS       int64   `json:"ended_at"`
}

// ChatEvent relays one chat message on the chat channel.
type ChatEvent struct {
	Type            string `json:"type"`
	MessageID       string `json:"message_id"`
	AuctionID       string `json:"auction_id"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	Message         string `json:"message"`
	TimestampMS     int64  `json:"timestamp"`
	SenderSessionID string `json:"sender_session_id,omitempty"`
}

// Settlement queue messages. These ride the durable streams, not pub/sub,
// and may be delivered more than once.

// BidRecord is the settlement copy of one accepted bid.
type BidRecord struct {
	BidID       string  `json:"bid_id"`
	AuctionID   string  `json:"auction_id"`
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	Amount      float64 `json:"amount"`
	TimestampMS int64   `json:"timestamp"`
	IsHighest   bool    `json:"is_highest"`
}

// AuctionClosedRecord is the settlement copy of a terminal close, carrying
// the notification addresses resolved at close time.
type AuctionClosedRecord struct {
	AuctionID  string         `json:"auction_id"`
	Title      string         `json:"title"`
	FinalPrice float64        `json:"final_price"`
	Winner     *user.Contact  `json:"winner,omitempty"`
	Losers     []user.Contact `json:"losers,omitempty"`
	BidCount   int            `json:"bid_count"`
	EndedAtMS  int64          `json:"timestamp"`
}
