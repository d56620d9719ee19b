package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
)

// MessageHandler receives one raw pub/sub payload. auctionID and kind come
// from the channel name. Handlers must not block; slow work belongs on the
// handler's own goroutines.
type MessageHandler func(auctionID string, kind ChannelKind, payload []byte)

// Subscriber runs a pattern subscription over all auction channels and
// feeds decoded messages to a single handler. A dropped connection is
// retried with exponential backoff; after the attempt budget is spent the
// run loop returns so the supervisor can decide what to do.
type Subscriber struct {
	client  *redis.Client
	cfg     config.PubSubConfig
	handler MessageHandler
	logger  *zap.Logger
}

func NewSubscriber(client *redis.Client, cfg config.PubSubConfig, handler MessageHandler, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Run blocks until ctx is canceled or reconnect attempts are exhausted.
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.cfg.RetryInitialDelay
	attempts := 0

	for {
		err := s.consume(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		attempts++
		if attempts >= s.cfg.RetryMaxAttempts {
			return fmt.Errorf("pubsub subscription failed after %d attempts: %w", attempts, err)
		}

		s.logger.Warn("pubsub connection lost, reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * s.cfg.RetryMultiplier)
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	pubsub := s.client.PSubscribe(ctx, ChannelPatterns...)
	defer pubsub.Close()

	// Force the subscription round trip so connection failures surface
	// here instead of as a silent empty channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("pubsub subscription established",
		zap.Strings("patterns", ChannelPatterns))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			auctionID, kind := ParseChannel(msg.Channel)
			if kind == ChannelKindUnknown {
				s.logger.Warn("ignoring message on unrecognized channel",
					zap.String("channel", msg.Channel))
				continue
			}
			s.handler(auctionID, kind, []byte(msg.Payload))
		}
	}
}
