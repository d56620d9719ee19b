package bid

import (
	"time"

	"github.com/google/uuid"

	"github.com/gavelhouse/auction-backend/internal/domain/values"
)

// Bid is the durable append-only record of a submitted bid. Created by the
// bid engine post-commit, never mutated.
type Bid struct {
	ID               uuid.UUID    `json:"bid_id"`
	AuctionID        uuid.UUID    `json:"auction_id"`
	UserID           string       `json:"user_id"`
	Username         string       `json:"username"`
	Amount           values.Money `json:"amount"`
	TimestampMS      int64        `json:"timestamp"`
	IsHighestAtCommit bool        `json:"is_highest_at_commit"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ResultStatus discriminates the outcome of a bid submission. The engine
// returns a result, not an error, for the outbid case: losing a race is a
// normal outcome.
type ResultStatus string

const (
	ResultAccepted ResultStatus = "success"
	ResultOutbid   ResultStatus = "outbid"
)

// Result is the caller-visible outcome of PlaceBid.
type Result struct {
	Status             ResultStatus `json:"status"`
	IsHighest          bool         `json:"is_highest"`
	CurrentHighBid     values.Money `json:"current_high_bid"`
	YourBid            values.Money `json:"your_bid"`
	Message            string       `json:"message"`
	AntiSnipeTriggered bool         `json:"anti_snipe_triggered,omitempty"`
}

// UserBid is the read-model row for the "my bids" listing: the bid joined
// with current auction state.
type UserBid struct {
	BidID                uuid.UUID    `json:"bid_id"`
	AuctionID            uuid.UUID    `json:"auction_id"`
	Title                string       `json:"title"`
	ImageURL             string       `json:"image_url,omitempty"`
	Amount               values.Money `json:"amount"`
	CreatedAt            time.Time    `json:"created_at"`
	Status               string       `json:"status"`
	CurrentHighBid       float64      `json:"current_high_bid"`
	TimeRemainingSeconds int64        `json:"time_remaining_seconds"`
	ParticipantCount     int          `json:"participant_count"`
}
