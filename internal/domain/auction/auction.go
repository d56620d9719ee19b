package auction

import (
	"time"

	"github.com/google/uuid"

	"github.com/gavelhouse/auction-backend/internal/domain/values"
)

// Status is the durable lifecycle state. Live state in the shared store is
// created at auction creation and torn down by TTL or explicit close.
type Status string

const (
	StatusLive   Status = "live"
	StatusClosed Status = "closed"
)

// Auction is the durable record. Stream identifiers are opaque handles for
// the external media service; nothing here provisions them.
type Auction struct {
	ID            uuid.UUID    `json:"auction_id"`
	HostUserID    string       `json:"host_user_id"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	Category      string       `json:"category,omitempty"`
	Duration      int          `json:"duration"` // seconds
	StartingBid   values.Money `json:"starting_bid"`
	Status        Status       `json:"status"`
	SellerName    string       `json:"seller_name"`
	Condition     string       `json:"condition"`
	ImageURL      string       `json:"image_url,omitempty"`
	GalleryURLs   []string     `json:"gallery_urls,omitempty"`
	StreamChannel string       `json:"stream_channel,omitempty"`
	PlaybackURL   string       `json:"playback_url,omitempty"`

	WinnerID   string        `json:"winner_id,omitempty"`
	WinningBid *values.Money `json:"winning_bid,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// IsLive reports whether the auction accepts bids.
func (a *Auction) IsLive() bool { return a.Status == StatusLive }

// EndTimeMS computes the nominal end time from creation and duration,
// ignoring anti-snipe extensions. Used only as the last fallback when the
// hot-state copies are gone.
func (a *Auction) EndTimeMS() int64 {
	return a.CreatedAt.UnixMilli() + int64(a.Duration)*1000
}

// ListFilter narrows the auction listing. Zero values mean no filter.
type ListFilter struct {
	Status   Status
	Category string
	Limit    int
	Offset   int
}

// LiveState is the hot per-auction record mirrored from the shared store
// hash. Fields are the authoritative source while the auction is live.
type LiveState struct {
	AuctionID          uuid.UUID
	Status             Status
	HostUserID         string
	CurrentHighBid     values.Money
	HighBidderID       string
	HighBidderUsername string
	StartTimeMS        int64
	EndTimeMS          int64
	LastBidTimeMS      int64
	ParticipantCount   int
	AntiSnipeCount     int
	BidCount           int
}

// TopBid is a leaderboard entry. Cosmetic, capped at three per auction, not
// authoritative for settlement.
type TopBid struct {
	UserID   string  `json:"user_id"`
	Username string  `json:"username"`
	Amount   float64 `json:"amount"`
}

// Snapshot is the room state sent to a joining session and returned by the
// state endpoint. It must equal a fresh read of the shared store in all
// visible fields.
type Snapshot struct {
	AuctionID          string        `json:"auction_id"`
	Status             string        `json:"status"`
	CurrentHighBid     float64       `json:"current_high_bid"`
	HighBidderID       string        `json:"high_bidder_id,omitempty"`
	HighBidderUsername string        `json:"high_bidder_username,omitempty"`
	ParticipantCount   int           `json:"participant_count"`
	BidCount           int           `json:"bid_count"`
	TimeRemaining      int64         `json:"time_remaining"` // seconds
	TopBids            []TopBid      `json:"top_bids"`
	AntiSnipeCount     int           `json:"anti_snipe_count"`
	YouAreWinning      bool          `json:"you_are_winning"`
	ChatMessages       []ChatMessage `json:"chat_messages,omitempty"`
}

// ChatMessage is a single room chat entry, ring-buffered to 100 per auction.
type ChatMessage struct {
	MessageID       string `json:"message_id"`
	AuctionID       string `json:"auction_id"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	Message         string `json:"message"`
	SenderSessionID string `json:"sender_session_id,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}
