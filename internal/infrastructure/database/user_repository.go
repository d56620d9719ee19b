package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/user"
)

// UserRepository persists identity-provider subjects. user_id is the
// provider's subject claim; email is unique.
type UserRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewUserRepository(pool *pgxpool.Pool, logger *zap.Logger) *UserRepository {
	return &UserRepository{pool: pool, logger: logger}
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*user.User, error) {
	var u user.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, email, username, name, phone, is_verified, created_at, updated_at
		FROM users WHERE user_id = $1`, userID,
	).Scan(&u.ID, &u.Email, &u.Username, &u.Name, &u.Phone, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainerrors.NewNotFoundError("user")
	}
	if err != nil {
		return nil, fmt.Errorf("select user %s: %w", userID, err)
	}
	return &u, nil
}

// Contact returns the notification address for a user, or nil when the
// user was never synced. Settlement treats a missing contact as
// undeliverable, not as an error.
func (r *UserRepository) Contact(ctx context.Context, userID string) (*user.Contact, error) {
	var c user.Contact
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, email, name, username FROM users WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.Email, &c.Name, &c.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select contact %s: %w", userID, err)
	}
	return &c, nil
}

// Sync reconciles the verified claims with the durable record in one
// transaction. The interesting case is a subject change for a known email:
// the identity provider reissued the account, so the old row is replaced
// and the new subject inherits the email.
func (r *UserRepository) Sync(ctx context.Context, claims *user.Claims) (*user.User, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin user sync: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT user_id FROM users WHERE email = $1 FOR UPDATE`, claims.Email,
	).Scan(&existingID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	if existingID != "" && existingID != claims.UserID {
		// Repoint references before dropping the legacy row so history
		// stays attached to the account.
		if _, err := tx.Exec(ctx,
			`UPDATE auctions SET host_user_id = $1 WHERE host_user_id = $2`,
			claims.UserID, existingID); err != nil {
			return nil, fmt.Errorf("repoint auctions from %s: %w", existingID, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE bids SET user_id = $1 WHERE user_id = $2`,
			claims.UserID, existingID); err != nil {
			return nil, fmt.Errorf("repoint bids from %s: %w", existingID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM users WHERE user_id = $1`, existingID); err != nil {
			return nil, fmt.Errorf("remove stale subject %s: %w", existingID, err)
		}
		r.logger.Info("reconciled user subject",
			zap.String("email", claims.Email),
			zap.String("old_user_id", existingID),
			zap.String("new_user_id", claims.UserID))
	}

	var u user.User
	err = tx.QueryRow(ctx, `
		INSERT INTO users (user_id, email, username, name, phone, is_verified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			username = EXCLUDED.username,
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			is_verified = EXCLUDED.is_verified,
			updated_at = now()
		RETURNING user_id, email, username, name, phone, is_verified, created_at, updated_at`,
		claims.UserID, claims.Email, claims.Username, claims.Name, claims.Phone, claims.EmailVerified,
	).Scan(&u.ID, &u.Email, &u.Username, &u.Name, &u.Phone, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", claims.UserID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit user sync: %w", err)
	}
	return &u, nil
}
