package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
)

// StreamQueue is the durable hand-off between the hot path and settlement,
// built on Redis streams with a consumer group. Entries survive restarts
// and are redelivered until acknowledged, so consumers must be idempotent.
type StreamQueue struct {
	client *redis.Client
	cfg    config.QueueConfig
	logger *zap.Logger
}

func NewStreamQueue(client *redis.Client, cfg config.QueueConfig, logger *zap.Logger) *StreamQueue {
	return &StreamQueue{client: client, cfg: cfg, logger: logger}
}

// QueueMessage is one delivered stream entry. ID is the stream-assigned
// sequence used for acknowledgment.
type QueueMessage struct {
	ID      string
	Stream  string
	Payload []byte
}

// Enqueue appends v to stream as a single-field JSON entry. A failure here
// is reported but must never abort the caller's committed work; committed
// bids outrank their settlement copies.
func (q *StreamQueue) Enqueue(ctx context.Context, stream string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": data},
	}).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group on both streams, creating the
// streams themselves if needed. Safe to call on every startup.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	for _, stream := range []string{q.cfg.BidStream, q.cfg.AuctionStream} {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.cfg.ConsumerGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", q.cfg.ConsumerGroup, stream, err)
		}
	}
	return nil
}

// Read blocks for up to the configured timeout and returns any new entries
// from either stream. An empty slice means the timeout elapsed quietly.
func (q *StreamQueue) Read(ctx context.Context) ([]QueueMessage, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.ConsumerGroup,
		Consumer: q.cfg.ConsumerName,
		Streams:  []string{q.cfg.BidStream, q.cfg.AuctionStream, ">", ">"},
		Count:    64,
		Block:    q.cfg.BlockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read from settlement streams: %w", err)
	}
	return flatten(res), nil
}

// Claim takes over entries another consumer read but never acknowledged,
// once they have sat idle past the configured threshold.
func (q *StreamQueue) Claim(ctx context.Context) ([]QueueMessage, error) {
	var claimed []QueueMessage
	for _, stream := range []string{q.cfg.BidStream, q.cfg.AuctionStream} {
		msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.cfg.ConsumerGroup,
			Consumer: q.cfg.ConsumerName,
			MinIdle:  q.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    64,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("claim stale entries on %s: %w", stream, err)
		}
		for _, m := range msgs {
			if qm, ok := toQueueMessage(stream, m); ok {
				claimed = append(claimed, qm)
			}
		}
	}
	if len(claimed) > 0 {
		q.logger.Info("claimed stale settlement entries", zap.Int("count", len(claimed)))
	}
	return claimed, nil
}

// Ack marks an entry as fully processed. Unacked entries are redelivered.
func (q *StreamQueue) Ack(ctx context.Context, msg QueueMessage) error {
	if err := q.client.XAck(ctx, msg.Stream, q.cfg.ConsumerGroup, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", msg.ID, msg.Stream, err)
	}
	return nil
}

// Wait sleeps between empty polls without blocking shutdown.
func (q *StreamQueue) Wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func flatten(streams []redis.XStream) []QueueMessage {
	var out []QueueMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			if qm, ok := toQueueMessage(s.Stream, m); ok {
				out = append(out, qm)
			}
		}
	}
	return out
}

func toQueueMessage(stream string, m redis.XMessage) (QueueMessage, bool) {
	raw, ok := m.Values["payload"].(string)
	if !ok {
		return QueueMessage{}, false
	}
	return QueueMessage{ID: m.ID, Stream: stream, Payload: []byte(raw)}, true
}
