// Package timer drives the per-auction countdown: heartbeat broadcasts,
// expiry detection and the terminal close. One controller process is the
// single writer of the terminal transition.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/events"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
)

// LiveStore is the hot-state surface the controller reads and repairs.
type LiveStore interface {
	GetState(ctx context.Context, auctionID string) (*auction.LiveState, error)
	GetEndTime(ctx context.Context, auctionID string) (int64, bool, error)
	SetEndTime(ctx context.Context, auctionID string, endTimeMS int64, ttl time.Duration) error
	Publish(ctx context.Context, channel string, v interface{}) error
}

// AuctionStore is the durable read side used for reconciliation and the
// last end-time fallback.
type AuctionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error)
	List(ctx context.Context, f auction.ListFilter) ([]*auction.Auction, error)
}

// Closer runs the terminal close procedure.
type Closer interface {
	CloseAuction(ctx context.Context, id uuid.UUID, requestorID string) (*auction.Auction, error)
}

// Controller ticks all live auctions. Failures on one auction never stall
// the others.
type Controller struct {
	live    LiveStore
	repo    AuctionStore
	closer  Closer
	cfg     config.TimerConfig
	buffer  time.Duration
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	tracked map[uuid.UUID]struct{}
}

func NewController(
	live LiveStore,
	repo AuctionStore,
	closer Closer,
	cfg config.TimerConfig,
	auctionCfg config.AuctionConfig,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		live:    live,
		repo:    repo,
		closer:  closer,
		cfg:     cfg,
		buffer:  auctionCfg.LiveStateBuffer(),
		metrics: reg,
		logger:  logger,
		now:     time.Now,
		tracked: make(map[uuid.UUID]struct{}),
	}
}

// Track adds an auction to the loop without waiting for the next
// reconciliation.
func (c *Controller) Track(id uuid.UUID) {
	c.mu.Lock()
	c.tracked[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) untrack(id uuid.UUID) {
	c.mu.Lock()
	delete(c.tracked, id)
	c.mu.Unlock()
}

func (c *Controller) snapshotTracked() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.tracked))
	for id := range c.tracked {
		out = append(out, id)
	}
	return out
}

// Run blocks until ctx is canceled. Broadcast and reconciliation run on
// tickers so shutdown is prompt.
func (c *Controller) Run(ctx context.Context) error {
	c.reconcile(ctx)

	broadcast := time.NewTicker(c.cfg.BroadcastInterval())
	defer broadcast.Stop()
	sync := time.NewTicker(c.cfg.DBSyncInterval())
	defer sync.Stop()

	c.logger.Info("timer controller started",
		zap.Duration("broadcast_interval", c.cfg.BroadcastInterval()),
		zap.Duration("sync_interval", c.cfg.DBSyncInterval()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-broadcast.C:
			c.tickAll(ctx)
		case <-sync.C:
			c.reconcile(ctx)
		}
	}
}

// tickAll runs one broadcast pass over every tracked auction.
func (c *Controller) tickAll(ctx context.Context) {
	for _, id := range c.snapshotTracked() {
		if err := c.tickOne(ctx, id); err != nil {
			c.logger.Error("tick failed",
				zap.String("auction_id", id.String()),
				zap.Error(err))
		}
	}
}

func (c *Controller) tickOne(ctx context.Context, id uuid.UUID) error {
	endMS, err := c.resolveEndTime(ctx, id)
	if err != nil {
		return err
	}

	nowMS := c.now().UnixMilli()
	remaining := endMS - nowMS

	if remaining > 0 {
		return c.live.Publish(ctx, cache.TimerChannel(id.String()), events.TimerSyncEvent{
			Type:          events.TypeTimerSync,
			AuctionID:     id.String(),
			SyncType:      events.SyncHeartbeat,
			EndTimeMS:     endMS,
			TimeRemaining: int(remaining / 1000),
			ServerTimeMS:  nowMS,
		})
	}

	// Expired: run the close procedure and stop tracking. The final
	// timer message and the auction_end event are published inside.
	if _, err := c.closer.CloseAuction(ctx, id, ""); err != nil {
		return err
	}
	c.untrack(id)
	return nil
}

// resolveEndTime walks the fallback chain: the TTL key, then the state
// hash, then the durable record. The durable path re-materializes the hot
// copies, and a stale computed value restarts the clock rather than closing
// instantly against a wall-clock artifact.
func (c *Controller) resolveEndTime(ctx context.Context, id uuid.UUID) (int64, error) {
	endMS, ok, err := c.live.GetEndTime(ctx, id.String())
	if err == nil && ok {
		return endMS, nil
	}
	if err != nil {
		c.logger.Warn("end-time key read failed", zap.String("auction_id", id.String()), zap.Error(err))
	}

	if state, serr := c.live.GetState(ctx, id.String()); serr == nil && state.EndTimeMS > 0 {
		return state.EndTimeMS, nil
	}

	a, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	endMS = a.EndTimeMS()
	if endMS <= c.now().UnixMilli() {
		endMS = c.now().Add(time.Duration(a.Duration) * time.Second).UnixMilli()
		c.logger.Warn("computed end time already past, restarting clock",
			zap.String("auction_id", id.String()),
			zap.Int64("new_end_time_ms", endMS))
	}
	if err := c.live.SetEndTime(ctx, id.String(), endMS, c.buffer); err != nil {
		c.logger.Warn("end-time rematerialization failed",
			zap.String("auction_id", id.String()),
			zap.Error(err))
	}
	return endMS, nil
}

// reconcile aligns the in-memory set with durable live auctions and drops
// entries the hot state reports closed. The durable listing is paged so any
// number of live auctions ends up tracked.
func (c *Controller) reconcile(ctx context.Context) {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		live, err := c.repo.List(ctx, auction.ListFilter{
			Status: auction.StatusLive,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			c.logger.Error("reconciliation list failed", zap.Error(err))
			return
		}
		for _, a := range live {
			c.Track(a.ID)
		}
		if len(live) < pageSize {
			break
		}
	}

	for _, id := range c.snapshotTracked() {
		state, err := c.live.GetState(ctx, id.String())
		if err != nil {
			continue
		}
		if state.Status == auction.StatusClosed {
			c.untrack(id)
		}
	}

	c.mu.Lock()
	n := len(c.tracked)
	c.mu.Unlock()
	c.metrics.SetLiveAuctions(int64(n))
	c.logger.Debug("reconciled live set", zap.Int("tracked", n))
}
