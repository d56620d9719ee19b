package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
)

const auctionColumns = `id, host_user_id, title, description, category, duration_seconds,
	starting_bid, status, seller_name, condition, image_url, gallery_urls,
	stream_channel, playback_url, winner_id, winning_bid, created_at, ended_at`

// AuctionRepository persists auction records.
type AuctionRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewAuctionRepository(pool *pgxpool.Pool, logger *zap.Logger) *AuctionRepository {
	return &AuctionRepository{pool: pool, logger: logger}
}

func (r *AuctionRepository) Create(ctx context.Context, a *auction.Auction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO auctions (`+auctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, a.HostUserID, a.Title, a.Description, a.Category, a.Duration,
		a.StartingBid, a.Status, a.SellerName, a.Condition, a.ImageURL, a.GalleryURLs,
		a.StreamChannel, a.PlaybackURL, nullString(a.WinnerID), a.WinningBid, a.CreatedAt, a.EndedAt)
	if err != nil {
		return fmt.Errorf("insert auction %s: %w", a.ID, err)
	}
	return nil
}

func (r *AuctionRepository) GetByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerrors.NewAuctionNotFoundError(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("select auction %s: %w", id, err)
	}
	return a, nil
}

// List returns auctions newest first, optionally filtered by status and
// category.
func (r *AuctionRepository) List(ctx context.Context, f auction.ListFilter) ([]*auction.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions`
	args := []interface{}{}
	var where []string
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list auctions: %w", err)
	}
	defer rows.Close()

	var out []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetBatch fetches several auctions at once for the batch state endpoint.
func (r *AuctionRepository) GetBatch(ctx context.Context, ids []uuid.UUID) ([]*auction.Auction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("batch select auctions: %w", err)
	}
	defer rows.Close()

	var out []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close records the terminal outcome. The status guard makes the update
// idempotent against concurrent close attempts.
func (r *AuctionRepository) Close(ctx context.Context, id uuid.UUID, winnerID string, winningBid *values.Money, endedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE auctions
		SET status = $2, winner_id = $3, winning_bid = $4, ended_at = $5
		WHERE id = $1 AND status = $6`,
		id, auction.StatusClosed, nullString(winnerID), winningBid, endedAt, auction.StatusLive)
	if err != nil {
		return fmt.Errorf("close auction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("auction already closed", zap.String("auction_id", id.String()))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*auction.Auction, error) {
	var (
		a          auction.Auction
		winnerID   *string
		winningBid *float64
	)
	err := row.Scan(
		&a.ID, &a.HostUserID, &a.Title, &a.Description, &a.Category, &a.Duration,
		&a.StartingBid, &a.Status, &a.SellerName, &a.Condition, &a.ImageURL, &a.GalleryURLs,
		&a.StreamChannel, &a.PlaybackURL, &winnerID, &winningBid, &a.CreatedAt, &a.EndedAt)
	if err != nil {
		return nil, err
	}
	if winnerID != nil {
		a.WinnerID = *winnerID
	}
	if winningBid != nil {
		m := values.NewMoneyFromFloat(*winningBid)
		a.WinningBid = &m
	}
	return &a, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
