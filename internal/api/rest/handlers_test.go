package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gavelhouse/auction-backend/internal/domain/bid"
	"github.com/gavelhouse/auction-backend/internal/domain/user"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/cache"
	"github.com/gavelhouse/auction-backend/internal/infrastructure/config"
	"github.com/gavelhouse/auction-backend/internal/metrics"
	"github.com/gavelhouse/auction-backend/internal/service/auctions"
	"github.com/gavelhouse/auction-backend/internal/service/bidding"
	"github.com/gavelhouse/auction-backend/internal/service/users"
	"github.com/gavelhouse/auction-backend/internal/testutil"
)

type memUserStore struct {
	users map[string]*user.User
}

func (m *memUserStore) GetByID(_ context.Context, userID string) (*user.User, error) {
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("no such user")
}

func (m *memUserStore) Sync(_ context.Context, claims *user.Claims) (*user.User, error) {
	u := &user.User{ID: claims.UserID, Username: claims.Username, Email: claims.Email}
	m.users[claims.UserID] = u
	return u, nil
}

type memUserBids struct {
	rows []*bid.UserBid
}

func (m *memUserBids) ListByUser(_ context.Context, _ string, limit, offset int) ([]*bid.UserBid, error) {
	if offset >= len(m.rows) {
		return nil, nil
	}
	rows := m.rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

type apiFixture struct {
	handler  http.Handler
	store    *testutil.FakeAuctionStore
	bids     *testutil.FakeBidStore
	queue    *testutil.FakeQueue
	userBids *memUserBids
	mr       *miniredis.Miniredis
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	live := cache.NewLiveStore(client, logger)
	store := testutil.NewFakeAuctionStore()
	bidStore := testutil.NewFakeBidStore()
	queue := testutil.NewFakeQueue()
	contacts := testutil.NewFakeContactStore()

	reg, err := metrics.NewRegistry("rest-test")
	require.NoError(t, err)

	auctionCfg := config.AuctionConfig{
		MinBidIncrement:           1.00,
		AntiSnipeThresholdSeconds: 30,
		AntiSnipeExtensionSeconds: 30,
		MaxAntiSnipeExtensions:    3,
		DefaultDurationSeconds:    60,
		LiveStateBufferSeconds:    3600,
	}
	queueCfg := config.QueueConfig{
		BidStream:     "settlement:bids",
		AuctionStream: "settlement:auctions",
	}

	auctionSvc := auctions.NewService(live, store, contacts, queue, auctionCfg, queueCfg, reg, logger)
	biddingSvc := bidding.NewService(live, store, bidStore, queue, auctionCfg, queueCfg, reg, logger)

	userBids := &memUserBids{}
	userSvc := users.NewService(&memUserStore{users: map[string]*user.User{}}, userBids, live, logger)

	verifier := testutil.NewFakeVerifier()
	verifier.Tokens["host-token"] = &user.Claims{UserID: "host-1", Username: "hannah", Email: "hannah@example.com"}
	verifier.Tokens["bidder-token"] = &user.Claims{UserID: "bidder-1", Username: "bob", Email: "bob@example.com"}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:           0,
			RequestTimeout: 5 * time.Second,
		},
		CORS:      config.CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Enabled: true},
	}

	srv := NewServer(cfg, ServerDeps{
		Handler:     NewHandler(auctionSvc, biddingSvc, userSvc, logger),
		Verifier:    verifier,
		RateLimiter: cache.NewRateLimiter(client, logger),
		Metrics:     reg,
		Redis:       client,
	}, logger)

	return &apiFixture{
		handler:  srv.httpServer.Handler,
		store:    store,
		bids:     bidStore,
		queue:    queue,
		userBids: userBids,
		mr:       mr,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createAuction(t *testing.T, title string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auctions", "host-token", map[string]interface{}{
		"title":        title,
		"duration":     60,
		"starting_bid": 100.0,
		"seller_name":  "Hannah",
		"condition":    "new",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		AuctionID string `json:"auction_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.AuctionID)
	return created.AuctionID
}

func TestCreateAuctionRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auctions", "", map[string]interface{}{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAuctionRejectsBadToken(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auctions", "forged", map[string]interface{}{"title": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAuctionValidation(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/auctions", "host-token", map[string]interface{}{
		"duration": 60,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_REQUEST", resp.Error.Code)
}

func TestCreateAndGetAuction(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Vintage watch")

	rec := f.do(t, http.MethodGet, "/api/v1/auctions/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		Title          string  `json:"title"`
		Status         string  `json:"status"`
		CurrentHighBid float64 `json:"current_high_bid"`
		TimeRemaining  int64   `json:"time_remaining"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "Vintage watch", detail.Title)
	assert.Equal(t, "live", detail.Status)
	assert.Equal(t, 100.0, detail.CurrentHighBid)
	assert.Greater(t, detail.TimeRemaining, int64(0))
}

func TestListAuctionsIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	f.createAuction(t, "One")
	f.createAuction(t, "Two")

	rec := f.do(t, http.MethodGet, "/api/v1/auctions?status=live&limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Auctions []json.RawMessage `json:"auctions"`
		Limit    int               `json:"limit"`
		Offset   int               `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Auctions, 2)
	assert.Equal(t, 10, resp.Limit)
}

func TestAuctionStateEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Lamp")

	rec := f.do(t, http.MethodGet, "/api/v1/auctions/"+id+"/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap struct {
		Status         string  `json:"status"`
		CurrentHighBid float64 `json:"current_high_bid"`
		BidCount       int     `json:"bid_count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "live", snap.Status)
	assert.Equal(t, 100.0, snap.CurrentHighBid)
	assert.Equal(t, 0, snap.BidCount)
}

func TestAuctionStateNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/auctions/00000000-0000-0000-0000-000000000001/state", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceBidFlow(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Guitar")

	rec := f.do(t, http.MethodPost, "/api/v1/bids", "bidder-token", map[string]interface{}{
		"auction_id": id,
		"amount":     150.0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Status         string  `json:"status"`
		IsHighest      bool    `json:"is_highest"`
		CurrentHighBid float64 `json:"current_high_bid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "success", result.Status)
	assert.True(t, result.IsHighest)
	assert.Equal(t, 150.0, result.CurrentHighBid)
}

func TestPlaceBidHostForbidden(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Chair")

	rec := f.do(t, http.MethodPost, "/api/v1/bids", "host-token", map[string]interface{}{
		"auction_id": id,
		"amount":     200.0,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPlaceBidBelowIncrement(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Rug")

	rec := f.do(t, http.MethodPost, "/api/v1/bids", "bidder-token", map[string]interface{}{
		"auction_id": id,
		"amount":     100.5,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_BID", resp.Error.Code)
}

func TestCloseAuctionHostOnly(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Vase")

	rec := f.do(t, http.MethodPost, "/api/v1/auctions/"+id+"/close", "bidder-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/auctions/"+id+"/close", "host-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "closed", resp.Status)

	// Bidding against the closed auction conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/bids", "bidder-token", map[string]interface{}{
		"auction_id": id,
		"amount":     500.0,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListBidsRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/bids", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListBidsReturnsRows(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Clock")
	f.do(t, http.MethodPost, "/api/v1/bids", "bidder-token", map[string]interface{}{
		"auction_id": id,
		"amount":     120.0,
	})
	require.Equal(t, 1, f.bids.Len())
	b := f.bids.Bids[0]
	f.userBids.rows = []*bid.UserBid{{
		BidID:     b.ID,
		AuctionID: b.AuctionID,
		Title:     "Clock",
		Amount:    b.Amount,
		Status:    "live",
	}}

	rec := f.do(t, http.MethodGet, "/api/v1/bids", "bidder-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Bids []struct {
			Title          string  `json:"title"`
			CurrentHighBid float64 `json:"current_high_bid"`
		} `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Bids, 1)
	assert.Equal(t, "Clock", resp.Bids[0].Title)
	// Live overlay pulls the hot high bid.
	assert.Equal(t, 120.0, resp.Bids[0].CurrentHighBid)
}

func TestSyncUser(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/users/sync", "bidder-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var u struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, "bidder-1", u.UserID)
	assert.Equal(t, "bob", u.Username)
}

func TestChatHistoryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createAuction(t, "Boat")

	rec := f.do(t, http.MethodGet, "/api/v1/auctions/"+id+"/chat", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []json.RawMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}

func TestBatchAuctions(t *testing.T) {
	f := newAPIFixture(t)
	a := f.createAuction(t, "First")
	b := f.createAuction(t, "Second")

	rec := f.do(t, http.MethodPost, "/api/v1/auctions/batch", "bidder-token", map[string]interface{}{
		"auction_ids": []string{b, a, "00000000-0000-0000-0000-000000000009"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Auctions []struct {
			AuctionID string `json:"auction_id"`
		} `json:"auctions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// Request order preserved, missing ids skipped.
	require.Len(t, resp.Auctions, 2)
	assert.Equal(t, b, resp.Auctions[0].AuctionID)
	assert.Equal(t, a, resp.Auctions[1].AuctionID)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/auctions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSUnknownOriginGetsNoHeader(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auctions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["redis"])
}

func TestRequestIDEchoed(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
