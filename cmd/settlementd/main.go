// The settlementd process drains the durable settlement streams: bid
// history persistence and outcome notifications. It also purges expired
// bid-history rows on a slow cadence.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/database"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/telemetry"
	"github.com/gavelhouse/auction-backend/internal/metrics"
	"github.com/gavelhouse/auction-backend/internal/service/settlement"
)

const purgeInterval = time.Hour

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("setup logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Fatal("database connect failed", zap.Error(err))
	}
	defer pool.Close()

	client, err := cache.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer client.Close()

	reg, err := metrics.NewRegistry("auction-settlement")
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	bidRepo := database.NewBidRepository(pool, logger)
	queue := cache.NewStreamQueue(client, cfg.Queue, logger)

	consumer := settlement.NewConsumer(
		queue,
		bidRepo,
		settlement.NewLogNotifier(logger),
		cache.NewNotificationDedup(client),
		cfg.Queue,
		reg,
		logger,
	)

	go purgeLoop(ctx, bidRepo, logger)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("settlement consumer failed", zap.Error(err))
	}
	logger.Info("settlement consumer stopped")
}

// purgeLoop reaps bid-history rows past their retention horizon.
func purgeLoop(ctx context.Context, repo *database.BidRepository, logger *zap.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpiredHistory(ctx)
			if err != nil {
				logger.Error("history purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired bid history purged", zap.Int64("rows", n))
			}
		}
	}
}
