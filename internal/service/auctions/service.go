// Package auctions manages the auction lifecycle: creation with live-state
// initialization, reads that merge durable and hot state, and the close
// procedure. Closing is single-writer by convention: the timer controller
// and the host-close endpoint both come through CloseAuction.
package auctions

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/user"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
	"github.com/gavelhouse/auction-backend/internal/events"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
)

// LiveStore is the hot-state surface the lifecycle needs.
type LiveStore interface {
	InitLiveState(ctx context.Context, auctionID, hostUserID string, startingBid values.Money, startTimeMS, endTimeMS int64, duration, bufferTTL time.Duration) error
	GetState(ctx context.Context, auctionID string) (*auction.LiveState, error)
	GetTopBids(ctx context.Context, auctionID string, limit int) ([]auction.TopBid, error)
	Participants(ctx context.Context, auctionID string) ([]string, error)
	ChatHistory(ctx context.Context, auctionID string, limit int) ([]auction.ChatMessage, error)
	MarkClosed(ctx context.Context, auctionID string) error
	Publish(ctx context.Context, channel string, v interface{}) error
}

// AuctionStore is the durable auction repository surface.
type AuctionStore interface {
	Create(ctx context.Context, a *auction.Auction) error
	GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	List(ctx context.Context, f auction.ListFilter) ([]*auction.Auction, error)
	GetBatch(ctx context.Context, ids []uuid.UUID) ([]*auction.Auction, error)
	Close(ctx context.Context, id uuid.UUID, winnerID string, winningBid *values.Money, endedAt time.Time) error
}

// ContactStore resolves notification addresses at close time.
type ContactStore interface {
	Contact(ctx context.Context, userID string) (*user.Contact, error)
}

// Enqueuer hands records to the settlement queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, stream string, v interface{}) error
}

// CreateParams is the validated input for a new auction.
type CreateParams struct {
	Title         string
	Description   string
	Category      string
	Duration      int // seconds
	StartingBid   values.Money
	SellerName    string
	Condition     string
	ImageURL      string
	GalleryURLs   []string
	StreamChannel string
	PlaybackURL   string
}

type Service struct {
	live          LiveStore
	repo          AuctionStore
	contacts      ContactStore
	queue         Enqueuer
	cfg           config.AuctionConfig
	auctionStream string
	metrics       *metrics.Registry
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(
	live LiveStore,
	repo AuctionStore,
	contacts ContactStore,
	queue Enqueuer,
	cfg config.AuctionConfig,
	queueCfg config.QueueConfig,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Service {
	return &Service{
		live:          live,
		repo:          repo,
		contacts:      contacts,
		queue:         queue,
		cfg:           cfg,
		auctionStream: queueCfg.AuctionStream,
		metrics:       reg,
		logger:        logger,
		now:           time.Now,
	}
}

// Create persists the auction and materializes its live state. The live
// state is what makes the auction biddable; a failure there rolls nothing
// back but is surfaced so the client can retry.
func (s *Service) Create(ctx context.Context, hostUserID string, p CreateParams) (*auction.Auction, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, domainerrors.NewValidationError("MISSING_TITLE", "Title is required")
	}
	if p.Duration <= 0 {
		p.Duration = s.cfg.DefaultDurationSeconds
	}
	if p.StartingBid.IsNegative() {
		return nil, domainerrors.NewValidationError("INVALID_STARTING_BID", "Starting bid cannot be negative")
	}

	now := s.now().UTC()
	a := &auction.Auction{
		ID:            uuid.New(),
		HostUserID:    hostUserID,
		Title:         p.Title,
		Description:   p.Description,
		Category:      p.Category,
		Duration:      p.Duration,
		StartingBid:   p.StartingBid,
		Status:        auction.StatusLive,
		SellerName:    p.SellerName,
		Condition:     p.Condition,
		ImageURL:      p.ImageURL,
		GalleryURLs:   p.GalleryURLs,
		StreamChannel: p.StreamChannel,
		PlaybackURL:   p.PlaybackURL,
		CreatedAt:     now,
	}

	if err := s.repo.Create(ctx, a); err != nil {
		return nil, domainerrors.NewInternalError("Could not create auction").WithCause(err)
	}

	duration := time.Duration(p.Duration) * time.Second
	endMS := now.Add(duration).UnixMilli()
	if err := s.live.InitLiveState(ctx, a.ID.String(), hostUserID, p.StartingBid,
		now.UnixMilli(), endMS, duration, s.cfg.LiveStateBuffer()); err != nil {
		return nil, domainerrors.NewTransientError("state store", "Auction created but not yet biddable").WithCause(err)
	}

	s.metrics.AuctionsCreatedCounter.Add(ctx, 1)
	s.logger.Info("auction created",
		zap.String("auction_id", a.ID.String()),
		zap.String("host_user_id", hostUserID),
		zap.Int("duration_seconds", p.Duration))
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f auction.ListFilter) ([]*auction.Auction, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.List(ctx, f)
}

// GetBatch preserves the request order for the auctions that exist.
func (s *Service) GetBatch(ctx context.Context, ids []uuid.UUID) ([]*auction.Auction, error) {
	found, err := s.repo.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*auction.Auction, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}
	out := make([]*auction.Auction, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Snapshot assembles the room state from fresh hot-state reads. Chat is
// included only for joining sessions.
func (s *Service) Snapshot(ctx context.Context, id uuid.UUID, viewerID string, withChat bool) (*auction.Snapshot, error) {
	state, err := s.live.GetState(ctx, id.String())
	if err != nil {
		if _, ok := err.(cache.ErrLiveStateNotFound); ok {
			return s.closedSnapshot(ctx, id)
		}
		return nil, domainerrors.NewTransientError("state store", "Temporarily unavailable").WithCause(err)
	}

	top, err := s.live.GetTopBids(ctx, id.String(), 3)
	if err != nil {
		s.logger.Warn("leaderboard read failed", zap.String("auction_id", id.String()), zap.Error(err))
		top = []auction.TopBid{}
	}

	remaining := (state.EndTimeMS - s.now().UnixMilli()) / 1000
	if remaining < 0 || state.Status != auction.StatusLive {
		remaining = 0
	}

	snap := &auction.Snapshot{
		AuctionID:          id.String(),
		Status:             string(state.Status),
		CurrentHighBid:     state.CurrentHighBid.ToFloat64(),
		HighBidderID:       state.HighBidderID,
		HighBidderUsername: state.HighBidderUsername,
		ParticipantCount:   state.ParticipantCount,
		BidCount:           state.BidCount,
		TimeRemaining:      remaining,
		TopBids:            top,
		AntiSnipeCount:     state.AntiSnipeCount,
		YouAreWinning:      viewerID != "" && viewerID == state.HighBidderID,
	}

	if withChat {
		chat, err := s.live.ChatHistory(ctx, id.String(), 50)
		if err != nil {
			s.logger.Warn("chat read failed", zap.String("auction_id", id.String()), zap.Error(err))
		} else {
			snap.ChatMessages = chat
		}
	}
	return snap, nil
}

// closedSnapshot serves state reads after the hot keys expired.
func (s *Service) closedSnapshot(ctx context.Context, id uuid.UUID) (*auction.Snapshot, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &auction.Snapshot{
		AuctionID: id.String(),
		Status:    string(auction.StatusClosed),
		TopBids:   []auction.TopBid{},
	}
	if a.WinningBid != nil {
		snap.CurrentHighBid = a.WinningBid.ToFloat64()
	}
	snap.HighBidderID = a.WinnerID
	return snap, nil
}

func (s *Service) ChatHistory(ctx context.Context, id uuid.UUID, limit int) ([]auction.ChatMessage, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	return s.live.ChatHistory(ctx, id.String(), limit)
}

// CloseAuction runs the terminal transition. requestorID empty means the
// timer controller; otherwise only the host may close. The durable update,
// hot-state flip, event publishes and settlement enqueue run in order; a
// later failure never undoes an earlier step.
func (s *Service) CloseAuction(ctx context.Context, id uuid.UUID, requestorID string) (*auction.Auction, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if requestorID != "" && requestorID != a.HostUserID {
		return nil, domainerrors.ErrNotAuctionHost
	}
	if a.Status != auction.StatusLive {
		return a, nil
	}

	winnerID, winnerUsername, winningBid, bidCount, participants := s.outcome(ctx, id)

	endedAt := s.now().UTC()
	var winningBidPtr *values.Money
	if winnerID != "" {
		winningBidPtr = &winningBid
	}
	if err := s.repo.Close(ctx, id, winnerID, winningBidPtr, endedAt); err != nil {
		return nil, domainerrors.NewInternalError("Could not close auction").WithCause(err)
	}
	a.Status = auction.StatusClosed
	a.WinnerID = winnerID
	a.WinningBid = winningBidPtr
	a.EndedAt = &endedAt

	if err := s.live.MarkClosed(ctx, id.String()); err != nil {
		s.logger.Error("hot-state close failed", zap.String("auction_id", id.String()), zap.Error(err))
	}

	endEvent := events.AuctionEndEvent{
		Type:           events.TypeAuctionEnd,
		AuctionID:      id.String(),
		WinnerID:       winnerID,
		WinnerUsername: winnerUsername,
		BidCount:       bidCount,
		ClosedByHost:   requestorID != "",
		EndedAtMS:      endedAt.UnixMilli(),
	}
	if winnerID != "" {
		endEvent.WinningBid = winningBid.ToFloat64()
	}
	if err := s.live.Publish(ctx, cache.EventsChannel(id.String()), endEvent); err != nil {
		s.logger.Error("auction end publish failed", zap.String("auction_id", id.String()), zap.Error(err))
	}
	if err := s.live.Publish(ctx, cache.TimerChannel(id.String()), events.TimerSyncEvent{
		Type:          events.TypeTimerSync,
		AuctionID:     id.String(),
		SyncType:      events.SyncFinal,
		EndTimeMS:     endedAt.UnixMilli(),
		TimeRemaining: 0,
		ServerTimeMS:  endedAt.UnixMilli(),
	}); err != nil {
		s.logger.Error("final timer publish failed", zap.String("auction_id", id.String()), zap.Error(err))
	}

	s.enqueueSettlement(ctx, a, winnerID, winnerUsername, winningBid, bidCount, participants, endedAt)

	s.metrics.AuctionsClosedCounter.Add(ctx, 1)
	s.logger.Info("auction closed",
		zap.String("auction_id", id.String()),
		zap.String("winner_id", winnerID),
		zap.Bool("by_host", requestorID != ""))
	return a, nil
}

// outcome reads the final standings from hot state, with the leaderboard as
// a safety net when the high-bidder fields are empty.
func (s *Service) outcome(ctx context.Context, id uuid.UUID) (winnerID, winnerUsername string, winningBid values.Money, bidCount int, participants []string) {
	state, err := s.live.GetState(ctx, id.String())
	if err != nil {
		s.logger.Warn("hot state missing at close", zap.String("auction_id", id.String()), zap.Error(err))
		return "", "", values.Zero(), 0, nil
	}

	winnerID = state.HighBidderID
	winnerUsername = state.HighBidderUsername
	winningBid = state.CurrentHighBid
	bidCount = state.BidCount

	if winnerID == "" {
		if top, terr := s.live.GetTopBids(ctx, id.String(), 1); terr == nil && len(top) > 0 {
			winnerID = top[0].UserID
			winnerUsername = top[0].Username
			winningBid = values.NewMoneyFromFloat(top[0].Amount)
		}
	}

	participants, err = s.live.Participants(ctx, id.String())
	if err != nil {
		s.logger.Warn("participants read failed at close", zap.String("auction_id", id.String()), zap.Error(err))
	}
	return winnerID, winnerUsername, winningBid, bidCount, participants
}

func (s *Service) enqueueSettlement(ctx context.Context, a *auction.Auction, winnerID, winnerUsername string, winningBid values.Money, bidCount int, participants []string, endedAt time.Time) {
	rec := events.AuctionClosedRecord{
		AuctionID: a.ID.String(),
		Title:     a.Title,
		BidCount:  bidCount,
		EndedAtMS: endedAt.UnixMilli(),
	}
	if winnerID != "" {
		rec.FinalPrice = winningBid.ToFloat64()
		rec.Winner = s.lookupContact(ctx, winnerID, winnerUsername)
	}
	for _, p := range participants {
		if p == winnerID {
			continue
		}
		if c := s.lookupContact(ctx, p, ""); c != nil {
			rec.Losers = append(rec.Losers, *c)
		}
	}

	if err := s.queue.Enqueue(ctx, s.auctionStream, rec); err != nil {
		s.logger.Error("settlement enqueue failed", zap.String("auction_id", a.ID.String()), zap.Error(err))
	}
}

func (s *Service) lookupContact(ctx context.Context, userID, username string) *user.Contact {
	c, err := s.contacts.Contact(ctx, userID)
	if err != nil {
		s.logger.Warn("contact lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	if c == nil {
		// Never synced: still name the recipient so dedup has a key.
		return &user.Contact{UserID: userID, Username: username}
	}
	return c
}
