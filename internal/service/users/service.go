// Package users reconciles identity-provider profiles with the durable
// store and serves the per-user bid listing.
package users

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/domain/bid"
	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/user"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
)

// UserStore is the durable profile surface.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*user.User, error)
	Sync(ctx context.Context, claims *user.Claims) (*user.User, error)
}

// BidStore reads the joined bid rows for one user.
type BidStore interface {
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*bid.UserBid, error)
}

// LiveStore supplies hot-state enrichment for rows on live auctions.
type LiveStore interface {
	GetState(ctx context.Context, auctionID string) (*auction.LiveState, error)
	ParticipantCount(ctx context.Context, auctionID string) (int, error)
}

const maxBidListing = 100

type Service struct {
	users  UserStore
	bids   BidStore
	live   LiveStore
	logger *zap.Logger
	now    func() time.Time
}

func NewService(users UserStore, bids BidStore, live LiveStore, logger *zap.Logger) *Service {
	return &Service{
		users:  users,
		bids:   bids,
		live:   live,
		logger: logger,
		now:    time.Now,
	}
}

// Sync upserts the profile derived from verified token claims. Called on
// login; the claims are the source of truth for email and username.
func (s *Service) Sync(ctx context.Context, claims *user.Claims) (*user.User, error) {
	if claims == nil || claims.UserID == "" {
		return nil, domainerrors.NewValidationError("INVALID_CLAIMS", "token claims missing subject")
	}
	u, err := s.users.Sync(ctx, claims)
	if err != nil {
		return nil, domainerrors.Wrap(err, "sync user profile")
	}
	s.logger.Info("user profile synced",
		zap.String("user_id", u.ID),
		zap.String("username", u.Username))
	return u, nil
}

// Profile returns the durable profile for one subject.
func (s *Service) Profile(ctx context.Context, userID string) (*user.User, error) {
	return s.users.GetByID(ctx, userID)
}

// Bids lists the caller's bids joined with auction state. Rows on live
// auctions are overlaid with the authoritative hot values; if the hot state
// is gone the durable row stands as-is.
func (s *Service) Bids(ctx context.Context, userID string, limit, offset int) ([]*bid.UserBid, error) {
	if limit <= 0 || limit > maxBidListing {
		limit = maxBidListing
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.bids.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, domainerrors.Wrap(err, "list user bids")
	}

	nowMS := s.now().UnixMilli()
	for _, row := range rows {
		if row.Status != string(auction.StatusLive) {
			continue
		}
		s.overlayLive(ctx, row, nowMS)
	}
	return rows, nil
}

func (s *Service) overlayLive(ctx context.Context, row *bid.UserBid, nowMS int64) {
	id := row.AuctionID.String()
	state, err := s.live.GetState(ctx, id)
	if err != nil {
		var notFound cache.ErrLiveStateNotFound
		if !errors.As(err, &notFound) {
			s.logger.Warn("live overlay failed", zap.String("auction_id", id), zap.Error(err))
		}
		return
	}

	row.CurrentHighBid = state.CurrentHighBid.ToFloat64()
	if remaining := (state.EndTimeMS - nowMS) / 1000; remaining > 0 {
		row.TimeRemainingSeconds = remaining
	} else {
		row.TimeRemainingSeconds = 0
	}
	if count, err := s.live.ParticipantCount(ctx, id); err == nil {
		row.ParticipantCount = count
	}
}
