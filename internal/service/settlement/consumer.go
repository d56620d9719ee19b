// Package settlement drains the durable queue: bid records into cold
// storage, close records into notifications. Deliveries are at-least-once,
// so every write is idempotent and every notification is deduplicated.
package settlement

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/user"
	"github.com/gavelhouse/auction-backend/internal/events"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
)

// Queue is the durable stream surface the consumer drains.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context) ([]cache.QueueMessage, error)
	Claim(ctx context.Context) ([]cache.QueueMessage, error)
	Ack(ctx context.Context, msg cache.QueueMessage) error
}

// HistoryWriter appends settlement bid copies to cold storage.
type HistoryWriter interface {
	RecordHistory(ctx context.Context, rec events.BidRecord, ttl time.Duration) error
}

// Notifier dispatches one outcome notification. Delivery itself is an
// external collaborator; implementations only hand the message over.
type Notifier interface {
	Notify(ctx context.Context, recipient user.Contact, auctionID string, won bool) error
}

// Deduper suppresses repeat notifications for the same recipient.
type Deduper interface {
	FirstDelivery(ctx context.Context, auctionID, recipient string) (bool, error)
	Release(ctx context.Context, auctionID, recipient string) error
}

// Consumer processes both settlement streams. A failed entry is left
// unacked for redelivery; a malformed entry is acked and dropped, since
// replaying it can never succeed.
type Consumer struct {
	queue    Queue
	history  HistoryWriter
	notifier Notifier
	dedup    Deduper
	cfg      config.QueueConfig
	metrics  *metrics.Registry
	logger   *zap.Logger
}

func NewConsumer(
	queue Queue,
	history HistoryWriter,
	notifier Notifier,
	dedup Deduper,
	cfg config.QueueConfig,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		queue:    queue,
		history:  history,
		notifier: notifier,
		dedup:    dedup,
		cfg:      cfg,
		metrics:  reg,
		logger:   logger,
	}
}

// Run blocks until ctx is canceled. Each pass claims entries stranded by a
// dead consumer, then reads new ones.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("settlement consumer started",
		zap.String("group", c.cfg.ConsumerGroup),
		zap.String("consumer", c.cfg.ConsumerName))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimed, err := c.queue.Claim(ctx)
		if err != nil {
			c.logger.Error("claim pass failed", zap.Error(err))
		} else if len(claimed) > 0 {
			c.metrics.SettlementRetriesCounter.Add(ctx, int64(len(claimed)))
			c.processBatch(ctx, claimed)
		}

		msgs, err := c.queue.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("read pass failed", zap.Error(err))
			continue
		}
		c.processBatch(ctx, msgs)
	}
}

func (c *Consumer) processBatch(ctx context.Context, msgs []cache.QueueMessage) {
	for _, msg := range msgs {
		if err := c.processOne(ctx, msg); err != nil {
			// Left unacked: the entry comes back on the next claim pass.
			c.logger.Error("settlement entry failed, will retry",
				zap.String("stream", msg.Stream),
				zap.String("id", msg.ID),
				zap.Error(err))
			continue
		}
		if err := c.queue.Ack(ctx, msg); err != nil {
			c.logger.Error("ack failed", zap.String("id", msg.ID), zap.Error(err))
		}
	}
}

func (c *Consumer) processOne(ctx context.Context, msg cache.QueueMessage) error {
	switch msg.Stream {
	case c.cfg.BidStream:
		var rec events.BidRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			c.logger.Warn("dropping malformed bid record", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		return c.handleBid(ctx, rec)
	case c.cfg.AuctionStream:
		var rec events.AuctionClosedRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			c.logger.Warn("dropping malformed close record", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		return c.handleClose(ctx, rec)
	default:
		c.logger.Warn("dropping entry from unknown stream", zap.String("stream", msg.Stream))
		return nil
	}
}

func (c *Consumer) handleBid(ctx context.Context, rec events.BidRecord) error {
	ttl := time.Duration(c.cfg.BidHistoryTTLDays) * 24 * time.Hour
	if err := c.history.RecordHistory(ctx, rec, ttl); err != nil {
		return err
	}
	c.metrics.SettlementRecordsCounter.Add(ctx, 1)
	return nil
}

// handleClose notifies the winner and each loser once. A failed recipient
// fails the entry, and the dedup tags already written keep the successful
// recipients quiet on redelivery.
func (c *Consumer) handleClose(ctx context.Context, rec events.AuctionClosedRecord) error {
	if rec.Winner != nil {
		if err := c.notifyOnce(ctx, rec.AuctionID, *rec.Winner, true); err != nil {
			return err
		}
	}
	for _, loser := range rec.Losers {
		if err := c.notifyOnce(ctx, rec.AuctionID, loser, false); err != nil {
			return err
		}
	}
	c.metrics.SettlementRecordsCounter.Add(ctx, 1)
	return nil
}

func (c *Consumer) notifyOnce(ctx context.Context, auctionID string, recipient user.Contact, won bool) error {
	first, err := c.dedup.FirstDelivery(ctx, auctionID, recipient.UserID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := c.notifier.Notify(ctx, recipient, auctionID, won); err != nil {
		// Give the claimed tag back so the redelivered entry retries
		// this recipient.
		if relErr := c.dedup.Release(ctx, auctionID, recipient.UserID); relErr != nil {
			c.logger.Warn("releasing notification tag failed",
				zap.String("auction_id", auctionID),
				zap.String("recipient", recipient.UserID),
				zap.Error(relErr))
		}
		return err
	}
	c.logger.Info("notification dispatched",
		zap.String("auction_id", auctionID),
		zap.String("user_id", recipient.UserID),
		zap.Bool("won", won))
	return nil
}
