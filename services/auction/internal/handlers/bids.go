package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/team-noonchissaum/IgLoo-sub001/libs/auth"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/engine"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/service"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
)

// AuctionView reads auction state, hot cache first with DB fallback.
type AuctionView interface {
	Snapshot(ctx context.Context, id uuid.UUID) (service.AuctionSnapshot, error)
}

// BidPlacer is the acceptance engine surface the handler calls.
type BidPlacer interface {
	PlaceBid(ctx context.Context, req engine.PlaceBidRequest) (engine.PlaceBidResult, error)
}

// AuctionCanceler withdraws a READY auction on behalf of its seller.
type AuctionCanceler interface {
	Cancel(ctx context.Context, auctionID, sellerID uuid.UUID) error
}

// AuctionModerator blocks a live auction on behalf of an admin.
type AuctionModerator interface {
	Block(ctx context.Context, auctionID uuid.UUID, status string) error
}

type Handler struct {
	Engine    BidPlacer
	View      AuctionView
	Canceler  AuctionCanceler
	Moderator AuctionModerator
	Logger    *slog.Logger
}

type placeBidRequest struct {
	RequestID string `json:"request_id"`
	Amount    string `json:"amount"`
}

type placeBidResponse struct {
	Accepted     bool   `json:"accepted"`
	CurrentPrice string `json:"current_price"`
	BidCount     int64  `json:"bid_count"`
	EndTime      string `json:"end_time"`
	Extended     bool   `json:"extended"`
	Replayed     bool   `json:"replayed,omitempty"`
}

type auctionResponse struct {
	AuctionID       string `json:"auction_id"`
	Status          string `json:"status"`
	CurrentPrice    string `json:"current_price"`
	CurrentBidderID string `json:"current_bidder_id,omitempty"`
	BidCount        int64  `json:"bid_count"`
	EndTime         string `json:"end_time"`
	Extended        bool   `json:"extended"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(bidEngine BidPlacer, view AuctionView, canceler AuctionCanceler, moderator AuctionModerator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: bidEngine, View: view, Canceler: canceler, Moderator: moderator, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	r.GET("/auctions/:id", h.GetAuction)

	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/auctions/:id/bids", h.PlaceBid)
	group.POST("/auctions/:id/cancel", h.CancelAuction)
	group.POST("/auctions/:id/block", auth.RequireRole("admin"), h.BlockAuction)
}

func (h *Handler) PlaceBid(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	auctionID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid auction id")
		return
	}

	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "request_id is required")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return
	}

	result, err := h.Engine.PlaceBid(c.Request.Context(), engine.PlaceBidRequest{
		RequestID: strings.TrimSpace(req.RequestID),
		AuctionID: auctionID,
		BidderID:  userID,
		Amount:    amount,
	})
	if err != nil {
		h.writeBidError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, placeBidResponse{
		Accepted:     result.Accepted,
		CurrentPrice: result.CurrentPrice.String(),
		BidCount:     result.BidCount,
		EndTime:      result.EndTime.UTC().Format(time.RFC3339Nano),
		Extended:     result.Extended,
		Replayed:     result.Replayed,
	})
}

func (h *Handler) GetAuction(c *gin.Context) {
	auctionID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid auction id")
		return
	}

	snap, err := h.View.Snapshot(c.Request.Context(), auctionID)
	if err != nil {
		if errors.Is(err, storage.ErrAuctionNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "auction not found")
			return
		}
		h.Logger.Error("auction snapshot failed", "auction_id", auctionID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	resp := auctionResponse{
		AuctionID:    snap.AuctionID.String(),
		Status:       snap.Status,
		CurrentPrice: snap.CurrentPrice.String(),
		BidCount:     snap.BidCount,
		EndTime:      snap.EndTime,
		Extended:     snap.Extended,
	}
	if snap.CurrentBidderID != nil {
		resp.CurrentBidderID = snap.CurrentBidderID.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CancelAuction(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	auctionID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid auction id")
		return
	}

	if err := h.Canceler.Cancel(c.Request.Context(), auctionID, userID); err != nil {
		switch {
		case errors.Is(err, storage.ErrAuctionNotFound):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "auction not found")
		case errors.Is(err, storage.ErrNotAuctionSeller):
			writeError(c, http.StatusForbidden, "NOT_AUCTION_SELLER", "only the seller can cancel")
		case errors.Is(err, storage.ErrNotCancelable):
			writeError(c, http.StatusConflict, "AUCTION_NOT_CANCELABLE", "auction already opened for bidding")
		default:
			h.Logger.Error("cancel auction failed", "auction_id", auctionID, "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"auction_id": auctionID.String(), "status": storage.AuctionStatusCanceled})
}

type blockAuctionRequest struct {
	Status string `json:"status"`
}

func (h *Handler) BlockAuction(c *gin.Context) {
	auctionID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid auction id")
		return
	}

	var req blockAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	status := strings.TrimSpace(req.Status)
	if status != storage.AuctionStatusTempBlocked && status != storage.AuctionStatusBlocked {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "status must be TEMP_BLOCKED or BLOCKED")
		return
	}

	if err := h.Moderator.Block(c.Request.Context(), auctionID, status); err != nil {
		switch {
		case errors.Is(err, storage.ErrAuctionNotFound):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "auction not found")
		case errors.Is(err, storage.ErrNotBlockable):
			writeError(c, http.StatusConflict, "AUCTION_NOT_BLOCKABLE", "auction is already settled")
		default:
			h.Logger.Error("block auction failed", "auction_id", auctionID, "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"auction_id": auctionID.String(), "status": status})
}

func (h *Handler) writeBidError(c *gin.Context, err error) {
	var rej *engine.RejectionError
	switch {
	case errors.As(err, &rej):
		status := http.StatusConflict
		switch rej.Code {
		case engine.CodeLowBidAmount, engine.CodeInsufficientBalance:
			status = http.StatusUnprocessableEntity
		case engine.CodeAuctionNotRunning, engine.CodeAuctionEnded:
			status = http.StatusGone
		case engine.CodeUserNotActive:
			status = http.StatusForbidden
		}
		writeError(c, status, rej.Code, rej.Message)
	case errors.Is(err, engine.ErrRequestInFlight):
		writeError(c, http.StatusConflict, "REQUEST_IN_FLIGHT", "request is being processed")
	case errors.Is(err, engine.ErrLockTimeout):
		writeError(c, http.StatusServiceUnavailable, "BID_LOCK_ACQUISITION", "auction is busy, retry")
	case errors.Is(err, engine.ErrEnqueueFailed):
		writeError(c, http.StatusInternalServerError, "ENQUEUE_FAILED", "could not record bid, retry")
	default:
		h.Logger.Error("place bid failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
