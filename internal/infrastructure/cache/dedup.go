package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupPrefix = "notified:"

// NotificationDedup guards at-least-once settlement deliveries with a
// set-if-absent tag per (auction, recipient). The tag outlives any
// realistic redelivery window.
type NotificationDedup struct {
	client *redis.Client
	ttl    time.Duration
}

func NewNotificationDedup(client *redis.Client) *NotificationDedup {
	return &NotificationDedup{client: client, ttl: 7 * 24 * time.Hour}
}

// FirstDelivery returns true exactly once per (auctionID, recipient).
func (d *NotificationDedup) FirstDelivery(ctx context.Context, auctionID, recipient string) (bool, error) {
	key := dedupPrefix + auctionID + ":" + recipient
	ok, err := d.client.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", key, err)
	}
	return ok, nil
}

// Release clears a tag claimed by FirstDelivery whose delivery failed, so
// the redelivered entry can try again.
func (d *NotificationDedup) Release(ctx context.Context, auctionID, recipient string) error {
	key := dedupPrefix + auctionID + ":" + recipient
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup release %s: %w", key, err)
	}
	return nil
}
