// The api process serves the HTTP API and the realtime websocket gateway.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/api/rest"
	"github.com/gavelhouse/auction-backend/internal/api/websocket"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/auth"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/database"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/telemetry"
	"github.com/gavelhouse/auction-backend/internal/metrics"
	"github.com/gavelhouse/auction-backend/internal/service/auctions"
	"github.com/gavelhouse/auction-backend/internal/service/bidding"
	"github.com/gavelhouse/auction-backend/internal/service/users"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		migrate    = flag.Bool("migrate", false, "Apply database migrations and exit")
	)
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

	if *migrate {
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		logger.Info("migrations applied")
		return
	}

	client, err := cache.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer client.Close()

	reg, err := metrics.NewRegistry("auction-api")
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	live := cache.NewLiveStore(client, logger)
	sessions := cache.NewSessionStore(client, cfg.Session.MirrorTTL, logger)
	queue := cache.NewStreamQueue(client, cfg.Queue, logger)

	auctionRepo := database.NewAuctionRepository(pool, logger)
	bidRepo := database.NewBidRepository(pool, logger)
	userRepo := database.NewUserRepository(pool, logger)

	verifier := auth.NewVerifier(cfg.Identity, logger)

	auctionSvc := auctions.NewService(live, auctionRepo, userRepo, queue, cfg.Auction, cfg.Queue, reg, logger)
	biddingSvc := bidding.NewService(live, auctionRepo, bidRepo, queue, cfg.Auction, cfg.Queue, reg, logger)
	userSvc := users.NewService(userRepo, bidRepo, live, logger)

	gateway := websocket.NewGateway(verifier, live, sessions, auctionSvc, cfg.Session, cfg.CORS, reg, logger)
	subscriber := cache.NewSubscriber(client, cfg.PubSub, gateway.HandleEvent, logger)

	server := rest.NewServer(cfg, rest.ServerDeps{
		Handler:     rest.NewHandler(auctionSvc, biddingSvc, userSvc, logger),
		Verifier:    verifier,
		RateLimiter: cache.NewRateLimiter(client, logger),
		Metrics:     reg,
		Pool:        pool,
		Redis:       client,
		WebSocket:   gateway,
	}, logger)

	errc := make(chan error, 3)
	go func() { errc <- gateway.Run(ctx) }()
	go func() { errc <- subscriber.Run(ctx) }()
	go func() {
		logger.Info("api listening", zap.Int("port", cfg.Server.Port))
		errc <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errc:
		if err != nil && ctx.Err() == nil {
			logger.Error("component failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("api stopped")
}
