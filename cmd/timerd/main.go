// The timerd process runs the countdown controller: heartbeat broadcasts,
// expiry detection and the terminal close procedure. Run exactly one.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/database"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/telemetry"
	"github.com/gavelhouse/auction-backend/internal/metrics"
	"github.com/gavelhouse/auction-backend/internal/service/auctions"
	"github.com/gavelhouse/auction-backend/internal/service/timer"
)

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

	reg, err := metrics.NewRegistry("auction-timer")
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	live := cache.NewLiveStore(client, logger)
	queue := cache.NewStreamQueue(client, cfg.Queue, logger)
	auctionRepo := database.NewAuctionRepository(pool, logger)
	userRepo := database.NewUserRepository(pool, logger)

	closer := auctions.NewService(live, auctionRepo, userRepo, queue, cfg.Auction, cfg.Queue, reg, logger)
	controller := timer.NewController(live, auctionRepo, closer, cfg.Timer, cfg.Auction, reg, logger)

	logger.Info("timer controller starting",
		zap.Duration("broadcast_interval", cfg.Timer.BroadcastInterval()),
		zap.Duration("db_sync_interval", cfg.Timer.DBSyncInterval()))

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("timer controller failed", zap.Error(err))
	}
	logger.Info("timer controller stopped")
}
