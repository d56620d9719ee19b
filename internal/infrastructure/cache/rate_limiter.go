package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitPrefix = "ratelimit:"

// RateLimiter is a sliding-window limiter over a sorted set per key. Keys
// are caller-chosen, typically client IP or user ID.
type RateLimiter struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRateLimiter(client *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{client: client, logger: logger}
}

// Allow records one request against key and reports whether it fits inside
// limit requests per window.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	rateLimitKey := rateLimitPrefix + key

	requestID := strconv.FormatInt(now.UnixNano(), 10)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey)
	pipe.ZAdd(ctx, rateLimitKey, redis.Z{Score: float64(now.UnixNano()), Member: requestID})
	pipe.Expire(ctx, rateLimitKey, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", key, err)
	}

	if countCmd.Val() >= int64(limit) {
		// Undo the optimistic add; the request never happened.
		r.client.ZRem(ctx, rateLimitKey, requestID)
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", countCmd.Val()),
			zap.Int("limit", limit))
		return false, nil
	}
	return true, nil
}

// Remaining reports how many requests key has left in the current window.
func (r *RateLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	windowStart := time.Now().Add(-window)
	rateLimitKey := rateLimitPrefix + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit count for %s: %w", key, err)
	}

	remaining := limit - int(countCmd.Val())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears key's window entirely.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, rateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("rate limit reset for %s: %w", key, err)
	}
	return nil
}
