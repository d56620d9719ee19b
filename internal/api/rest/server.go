// Package rest serves the HTTP API: auction lifecycle, bid submission, the
// read models and the identity sync endpoint. Realtime traffic is mounted
// here too but handled by the websocket gateway.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/infrastructure/auth"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
)

// Server owns the HTTP listener and the middleware chain.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	logger     *zap.Logger
}

// ServerDeps carries everything the server wires together. The websocket
// handler is optional; nil leaves /ws unmounted.
type ServerDeps struct {
	Handler     *Handler
	Verifier    auth.TokenVerifier
	RateLimiter *cache.RateLimiter
	Metrics     *metrics.Registry
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	WebSocket   http.Handler
}

func NewServer(cfg *config.Config, deps ServerDeps, logger *zap.Logger) *Server {
	mux := setupRoutes(deps)

	chain := []Middleware{
		requestIDMiddleware,
		loggingMiddleware(logger),
		metricsMiddleware(deps.Metrics),
		recoveryMiddleware(logger),
		corsMiddleware(cfg.CORS),
		rateLimitMiddleware(deps.RateLimiter, cfg.RateLimit, logger),
		timeoutMiddleware(cfg.Server.RequestTimeout),
		conditionalMiddleware(authMiddleware(deps.Verifier), isProtectedRoute),
	}

	var h http.Handler = mux
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      h,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		logger: logger,
	}
}

func setupRoutes(deps ServerDeps) *http.ServeMux {
	mux := http.NewServeMux()

	health := newHealthHandler(deps.Pool, deps.Redis)
	mux.HandleFunc("GET /health", health.readiness)
	mux.HandleFunc("GET /healthz", health.liveness)
	mux.HandleFunc("GET /ready", health.readiness)

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /auctions", deps.Handler.handleCreateAuction)
	v1.HandleFunc("GET /auctions", deps.Handler.handleListAuctions)
	v1.HandleFunc("POST /auctions/batch", deps.Handler.handleBatchAuctions)
	v1.HandleFunc("GET /auctions/{id}", deps.Handler.handleGetAuction)
	v1.HandleFunc("GET /auctions/{id}/state", deps.Handler.handleAuctionState)
	v1.HandleFunc("POST /auctions/{id}/close", deps.Handler.handleCloseAuction)
	v1.HandleFunc("GET /auctions/{id}/chat", deps.Handler.handleChatHistory)
	v1.HandleFunc("POST /bids", deps.Handler.handlePlaceBid)
	v1.HandleFunc("GET /bids", deps.Handler.handleListBids)
	v1.HandleFunc("POST /users/sync", deps.Handler.handleSyncUser)
	if deps.WebSocket != nil {
		v1.Handle("GET /ws", deps.WebSocket)
	}

	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", v1))
	return mux
}

// isProtectedRoute decides which requests must carry a bearer token. The
// websocket gateway authenticates its own upgrade, so /ws is exempt here.
func isProtectedRoute(r *http.Request) bool {
	path := r.URL.Path
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	if strings.HasPrefix(path, "/api/v1/ws") {
		return false
	}
	if r.Method == http.MethodPost {
		return true
	}
	return r.Method == http.MethodGet && path == "/api/v1/bids"
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}
