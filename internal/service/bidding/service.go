// Package bidding is the bid admission engine. All highest-bid semantics
// funnel through the shared store's scripted commit; everything after a
// successful commit is best-effort and never turns an accepted bid into a
// failure.
package bidding

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/domain/bid"
	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
	"github.com/gavelhouse/auction-backend/internal/events"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
)

// LiveStore is the hot-state surface the engine mutates.
type LiveStore interface {
	GetState(ctx context.Context, auctionID string) (*auction.LiveState, error)
	SetStateField(ctx context.Context, auctionID, field, value string) error
	CommitBid(ctx context.Context, auctionID string, amount values.Money, userID, username string, timestampMS int64) (bool, error)
	ExtendForAntiSnipe(ctx context.Context, auctionID string, extension time.Duration, maxExtensions int, endTimeTTL time.Duration) (cache.AntiSnipeResult, error)
	AddTopBid(ctx context.Context, auctionID, userID, username string, amount values.Money, timestampMS int64) error
	Publish(ctx context.Context, channel string, v interface{}) error
}

// AuctionStore is the durable read side used for host backfill.
type AuctionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
}

// BidStore appends accepted bids durably.
type BidStore interface {
	Create(ctx context.Context, b *bid.Bid) error
}

// Enqueuer hands records to the settlement queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, stream string, v interface{}) error
}

// Service admits bids.
type Service struct {
	live      LiveStore
	auctions  AuctionStore
	bids      BidStore
	queue     Enqueuer
	cfg       config.AuctionConfig
	bidStream string
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(
	live LiveStore,
	auctions AuctionStore,
	bids BidStore,
	queue Enqueuer,
	cfg config.AuctionConfig,
	queueCfg config.QueueConfig,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Service {
	return &Service{
		live:      live,
		auctions:  auctions,
		bids:      bids,
		queue:     queue,
		cfg:       cfg,
		bidStream: queueCfg.BidStream,
		metrics:   reg,
		logger:    logger,
		now:       time.Now,
	}
}

// PlaceBid runs the admission pipeline: precondition checks in a fixed
// order, then the atomic commit, then the post-commit fan-out. Losing the
// commit race is a normal outcome, not an error.
func (s *Service) PlaceBid(ctx context.Context, auctionID uuid.UUID, userID, username string, amount values.Money) (*bid.Result, error) {
	start := s.now()
	defer func() {
		s.metrics.BidCommitDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}()

	state, err := s.live.GetState(ctx, auctionID.String())
	if err != nil {
		if _, ok := err.(cache.ErrLiveStateNotFound); ok {
			s.metrics.RecordBidOutcome(ctx, false, "not_found")
			return nil, domainerrors.NewAuctionNotFoundError(auctionID.String())
		}
		return nil, domainerrors.NewTransientError("state store", "Temporarily unavailable").WithCause(err)
	}
	if state.Status != auction.StatusLive {
		s.metrics.RecordBidOutcome(ctx, false, "closed")
		return nil, domainerrors.NewAuctionClosedError(auctionID.String())
	}

	hostID, err := s.hostUserID(ctx, auctionID, state)
	if err != nil {
		return nil, err
	}
	if hostID == userID {
		s.metrics.RecordBidOutcome(ctx, false, "host")
		return nil, domainerrors.ErrHostCannotBid
	}

	nowMS := s.now().UnixMilli()
	if nowMS >= state.EndTimeMS {
		s.metrics.RecordBidOutcome(ctx, false, "ended")
		return nil, domainerrors.NewAuctionClosedError(auctionID.String())
	}

	minAccepted := state.CurrentHighBid.Add(values.NewMoneyFromFloat(s.cfg.MinBidIncrement))
	if amount.LessThan(minAccepted) {
		s.metrics.RecordBidOutcome(ctx, false, "increment")
		return nil, domainerrors.NewInvalidBidError("Bid must be at least " + minAccepted.Display())
	}

	accepted, err := s.live.CommitBid(ctx, auctionID.String(), amount, userID, username, nowMS)
	if err != nil {
		return nil, domainerrors.NewTransientError("state store", "Bid commit failed").WithCause(err)
	}

	if !accepted {
		s.metrics.RecordBidOutcome(ctx, false, "outbid")
		current := amount
		if fresh, rerr := s.live.GetState(ctx, auctionID.String()); rerr == nil {
			current = fresh.CurrentHighBid
		}
		return &bid.Result{
			Status:         bid.ResultOutbid,
			IsHighest:      false,
			CurrentHighBid: current,
			YourBid:        amount,
			Message:        "You were outbid",
		}, nil
	}

	s.metrics.RecordBidOutcome(ctx, true, "")

	// The commit stands regardless of the caller's deadline; the fan-out
	// runs on an uncancelable context.
	tail := context.WithoutCancel(ctx)
	snipe := s.afterCommit(tail, auctionID, state, userID, username, amount, nowMS)

	return &bid.Result{
		Status:             bid.ResultAccepted,
		IsHighest:          true,
		CurrentHighBid:     amount,
		YourBid:            amount,
		Message:            "You are the highest bidder",
		AntiSnipeTriggered: snipe,
	}, nil
}

// hostUserID returns the host, backfilling the live-state field from the
// durable record on first miss.
func (s *Service) hostUserID(ctx context.Context, auctionID uuid.UUID, state *auction.LiveState) (string, error) {
	if state.HostUserID != "" {
		return state.HostUserID, nil
	}
	a, err := s.auctions.GetByID(ctx, auctionID)
	if err != nil {
		return "", err
	}
	if err := s.live.SetStateField(ctx, auctionID.String(), "host_user_id", a.HostUserID); err != nil {
		s.logger.Warn("host backfill write failed",
			zap.String("auction_id", auctionID.String()),
			zap.Error(err))
	}
	state.HostUserID = a.HostUserID
	return a.HostUserID, nil
}

// afterCommit runs leaderboard, anti-snipe, persistence and publish. Each
// step is independent; failures are logged and swallowed.
func (s *Service) afterCommit(ctx context.Context, auctionID uuid.UUID, prior *auction.LiveState, userID, username string, amount values.Money, nowMS int64) bool {
	id := auctionID.String()

	if err := s.live.AddTopBid(ctx, id, userID, username, amount, nowMS); err != nil {
		s.logger.Error("leaderboard update failed", zap.String("auction_id", id), zap.Error(err))
	}

	snipe := s.maybeExtend(ctx, id, prior.EndTimeMS, nowMS)

	b := &bid.Bid{
		ID:                uuid.New(),
		AuctionID:         auctionID,
		UserID:            userID,
		Username:          username,
		Amount:            amount,
		TimestampMS:       nowMS,
		IsHighestAtCommit: true,
		CreatedAt:         time.UnixMilli(nowMS).UTC(),
	}
	if err := s.bids.Create(ctx, b); err != nil {
		s.logger.Error("durable bid append failed", zap.String("auction_id", id), zap.Error(err))
	}
	if err := s.queue.Enqueue(ctx, s.bidStream, events.BidRecord{
		BidID:       b.ID.String(),
		AuctionID:   id,
		UserID:      userID,
		Username:    username,
		Amount:      amount.ToFloat64(),
		TimestampMS: nowMS,
		IsHighest:   true,
	}); err != nil {
		s.logger.Error("settlement enqueue failed", zap.String("auction_id", id), zap.Error(err))
	}

	if err := s.live.Publish(ctx, cache.EventsChannel(id), events.BidEvent{
		Type:               events.TypeBid,
		AuctionID:          id,
		UserID:             userID,
		Username:           username,
		Amount:             amount.ToFloat64(),
		BidCount:           prior.BidCount + 1,
		IsNewHigh:          true,
		AntiSnipeTriggered: snipe,
		TimestampMS:        nowMS,
	}); err != nil {
		s.logger.Error("bid event publish failed", zap.String("auction_id", id), zap.Error(err))
	}

	return snipe
}

func (s *Service) maybeExtend(ctx context.Context, auctionID string, endTimeMS, nowMS int64) bool {
	if endTimeMS-nowMS >= s.cfg.AntiSnipeThreshold().Milliseconds() {
		return false
	}

	res, err := s.live.ExtendForAntiSnipe(ctx, auctionID,
		s.cfg.AntiSnipeExtension(), s.cfg.MaxAntiSnipeExtensions, s.cfg.LiveStateBuffer())
	if err != nil {
		s.logger.Error("anti-snipe extension failed", zap.String("auction_id", auctionID), zap.Error(err))
		return false
	}
	if !res.Triggered {
		return false
	}

	s.metrics.AntiSnipeCounter.Add(ctx, 1)
	s.logger.Info("anti-snipe extension",
		zap.String("auction_id", auctionID),
		zap.Int("count", res.Count),
		zap.Int64("new_end_time_ms", res.NewEndTimeMS))

	if err := s.live.Publish(ctx, cache.TimerChannel(auctionID), events.AntiSnipeEvent{
		Type:         events.TypeAntiSnipe,
		AuctionID:    auctionID,
		NewEndTimeMS: res.NewEndTimeMS,
		Count:        res.Count,
		MaxCount:     s.cfg.MaxAntiSnipeExtensions,
	}); err != nil {
		s.logger.Error("anti-snipe publish failed", zap.String("auction_id", auctionID), zap.Error(err))
	}
	return true
}
