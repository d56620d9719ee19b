package rest

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gavelhouse/auction-backend/internal/domain/auction"
	"github.com/gavelhouse/auction-backend/internal/domain/bid"
	domainerrors "github.com/gavelhouse/auction-backend/internal/domain/errors"
	"github.com/gavelhouse/auction-backend/internal/domain/values"
	"github.com/gavelhouse/auction-backend/internal/service/auctions"
	"github.com/gavelhouse/auction-backend/internal/service/bidding"
	"github.com/gavelhouse/auction-backend/internal/service/users"
)

// Handler carries the service dependencies for every route.
type Handler struct {
	auctions *auctions.Service
	bidding  *bidding.Service
	users    *users.Service
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(auctionSvc *auctions.Service, biddingSvc *bidding.Service, userSvc *users.Service, logger *zap.Logger) *Handler {
	return &Handler{
		auctions: auctionSvc,
		bidding:  biddingSvc,
		users:    userSvc,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *Handler) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "Authorization required")
		return
	}

	var req createAuctionRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	a, err := h.auctions.Create(r.Context(), claims.UserID, auctions.CreateParams{
		Title:         req.Title,
		Description:   req.Description,
		Category:      req.Category,
		Duration:      req.Duration,
		StartingBid:   values.NewMoneyFromFloat(req.StartingBid),
		SellerName:    req.SellerName,
		Condition:     req.Condition,
		ImageURL:      req.ImageURL,
		GalleryURLs:   req.Images,
		StreamChannel: req.StreamChannel,
		PlaybackURL:   req.PlaybackURL,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := auction.ListFilter{
		Status:   auction.Status(q.Get("status")),
		Category: q.Get("category"),
		Limit:    queryInt(q.Get("limit"), 50),
		Offset:   queryInt(q.Get("offset"), 0),
	}

	list, err := h.auctions.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []*auction.Auction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"auctions": list,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

// auctionDetail is the single-auction response: the durable record plus the
// realtime overlay while the auction is live.
type auctionDetail struct {
	*auction.Auction
	CurrentHighBid     float64          `json:"current_high_bid,omitempty"`
	HighBidderUsername string           `json:"high_bidder_username,omitempty"`
	ParticipantCount   int              `json:"participant_count,omitempty"`
	BidCount           int              `json:"bid_count,omitempty"`
	TimeRemaining      int64            `json:"time_remaining,omitempty"`
	TopBids            []auction.TopBid `json:"top_bids,omitempty"`
}

func (h *Handler) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	a, err := h.auctions.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	detail := auctionDetail{Auction: a}
	if a.IsLive() {
		if snap, err := h.auctions.Snapshot(r.Context(), id, "", false); err == nil {
			detail.CurrentHighBid = snap.CurrentHighBid
			detail.HighBidderUsername = snap.HighBidderUsername
			detail.ParticipantCount = snap.ParticipantCount
			detail.BidCount = snap.BidCount
			detail.TimeRemaining = snap.TimeRemaining
			detail.TopBids = snap.TopBids
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleBatchAuctions(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	ids := make([]uuid.UUID, 0, len(req.AuctionIDs))
	for _, raw := range req.AuctionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.logger, domainerrors.NewValidationError("INVALID_AUCTION_ID", "auction_ids must be UUIDs"))
			return
		}
		ids = append(ids, id)
	}

	list, err := h.auctions.GetBatch(r.Context(), ids)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"auctions": list})
}

func (h *Handler) handleAuctionState(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	viewerID := ""
	if claims := claimsFromContext(r.Context()); claims != nil {
		viewerID = claims.UserID
	}

	snap, err := h.auctions.Snapshot(r.Context(), id, viewerID, false)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleCloseAuction(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "Authorization required")
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	a, err := h.auctions.CloseAuction(r.Context(), id, claims.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := map[string]interface{}{
		"auction_id": a.ID,
		"status":     a.Status,
	}
	if a.WinnerID != "" {
		resp["winner_id"] = a.WinnerID
	}
	if a.WinningBid != nil {
		resp["winning_bid"] = a.WinningBid.ToFloat64()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	messages, err := h.auctions.ChatHistory(r.Context(), id, queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if messages == nil {
		messages = []auction.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (h *Handler) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "Authorization required")
		return
	}

	var req placeBidRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	auctionID, err := uuid.Parse(req.AuctionID)
	if err != nil {
		writeError(w, h.logger, domainerrors.NewValidationError("INVALID_AUCTION_ID", "auction_id must be a UUID"))
		return
	}

	result, err := h.bidding.PlaceBid(r.Context(), auctionID, claims.UserID, claims.Username,
		values.NewMoneyFromFloat(req.Amount))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListBids(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "Authorization required")
		return
	}

	q := r.URL.Query()
	rows, err := h.users.Bids(r.Context(), claims.UserID,
		queryInt(q.Get("limit"), 50), queryInt(q.Get("offset"), 0))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if rows == nil {
		rows = []*bid.UserBid{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bids": rows})
}

func (h *Handler) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeUnauthorized(w, "Authorization required")
		return
	}

	u, err := h.users.Sync(r.Context(), claims)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domainerrors.NewValidationError("INVALID_ID", "Path parameter must be a UUID")
	}
	return id, nil
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
