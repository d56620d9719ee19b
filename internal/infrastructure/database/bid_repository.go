package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/bid"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
	"github.com/gavelhouse/auction-backend/internal/events"
)

// BidRepository persists the hot-path bid rows and the settlement cold
// storage. The two tables have different writers: bids is appended by the
// bid engine after a commit, bid_history by the settlement consumer.
type BidRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewBidRepository(pool *pgxpool.Pool, logger *zap.Logger) *BidRepository {
	return &BidRepository{pool: pool, logger: logger}
}

func (r *BidRepository) Create(ctx context.Context, b *bid.Bid) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bids (id, auction_id, user_id, username, amount, timestamp_ms, is_highest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.AuctionID, b.UserID, b.Username, b.Amount, b.TimestampMS, b.IsHighestAtCommit, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bid %s: %w", b.ID, err)
	}
	return nil
}

// ListByUser returns the caller's bids joined with auction metadata, newest
// first. Live countdown fields are filled from the hot state by the caller.
func (r *BidRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*bid.UserBid, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.auction_id, a.title, a.image_url, b.amount, b.created_at, a.status
		FROM bids b
		JOIN auctions a ON a.id = b.auction_id
		WHERE b.user_id = $1
		ORDER BY b.created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list bids for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*bid.UserBid
	for rows.Next() {
		var ub bid.UserBid
		if err := rows.Scan(&ub.BidID, &ub.AuctionID, &ub.Title, &ub.ImageURL,
			&ub.Amount, &ub.CreatedAt, &ub.Status); err != nil {
			return nil, fmt.Errorf("scan user bid row: %w", err)
		}
		out = append(out, &ub)
	}
	return out, rows.Err()
}

// HighestForAuction returns the best durable bid for an auction, used as
// the close-time fallback when hot state is gone. Nil when no bids exist.
func (r *BidRepository) HighestForAuction(ctx context.Context, auctionID uuid.UUID) (*bid.Bid, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, auction_id, user_id, username, amount, timestamp_ms, is_highest, created_at
		FROM bids
		WHERE auction_id = $1
		ORDER BY amount DESC, timestamp_ms ASC
		LIMIT 1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("highest bid for %s: %w", auctionID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var b bid.Bid
	if err := rows.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Username,
		&b.Amount, &b.TimestampMS, &b.IsHighestAtCommit, &b.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan highest bid: %w", err)
	}
	return &b, nil
}

// RecordHistory writes one settlement copy. The (auction_id, sort_key)
// primary key absorbs redeliveries: replaying the same record is a no-op.
func (r *BidRepository) RecordHistory(ctx context.Context, rec events.BidRecord, ttl time.Duration) error {
	sortKey := fmt.Sprintf("%d#%s", rec.TimestampMS, rec.UserID)
	amount := values.NewMoneyFromFloat(rec.Amount)

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO bid_history (auction_id, sort_key, bid_id, user_id, username, amount, timestamp_ms, is_highest, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (auction_id, sort_key) DO NOTHING`,
		rec.AuctionID, sortKey, rec.BidID, rec.UserID, rec.Username, amount,
		rec.TimestampMS, rec.IsHighest, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("record bid history %s/%s: %w", rec.AuctionID, sortKey, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("duplicate bid history record skipped",
			zap.String("auction_id", rec.AuctionID),
			zap.String("sort_key", sortKey))
	}
	return nil
}

// PurgeExpiredHistory deletes cold rows past their retention deadline.
// Returns the number of rows removed.
func (r *BidRepository) PurgeExpiredHistory(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM bid_history WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired bid history: %w", err)
	}
	return tag.RowsAffected(), nil
}
