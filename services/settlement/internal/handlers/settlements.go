// Package handlers exposes the manual settlement retry endpoint. Normal
// settlement is event driven; this API exists for operators replaying an
// order whose event was dead-lettered.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/auth"
	"github.com/team-noonchissaum/IgLoo-sub001/services/settlement/internal/storage"
	"log/slog"
)

type OrderSettler interface {
	Settle(ctx context.Context, orderID uuid.UUID) (storage.SettleResult, error)
}

type Handler struct {
	Settler OrderSettler
	Logger  *slog.Logger
}

type settlementResponse struct {
	SettlementID string `json:"settlement_id"`
	OrderID      string `json:"order_id"`
	GrossAmount  string `json:"gross_amount"`
	FeeAmount    string `json:"fee_amount"`
	NetAmount    string `json:"net_amount"`
	Status       string `json:"status"`
	Replayed     bool   `json:"replayed"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(settler OrderSettler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Settler: settler, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	authed := r.Group("/", auth.Middleware(jwtSecret))
	authed.POST("/settlements/:order_id", h.SettleOrder)
}

func (h *Handler) SettleOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("order_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ORDER_ID", "order_id must be a uuid")
		return
	}

	result, err := h.Settler.Settle(c.Request.Context(), orderID)
	if err != nil {
		h.writeSettleError(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyProcessed {
		status = http.StatusOK
	}
	c.JSON(status, settlementResponse{
		SettlementID: result.Settlement.ID.String(),
		OrderID:      result.Settlement.OrderID.String(),
		GrossAmount:  result.Settlement.GrossAmount.String(),
		FeeAmount:    result.Settlement.FeeAmount.String(),
		NetAmount:    result.Settlement.NetAmount.String(),
		Status:       result.Settlement.Status,
		Replayed:     result.AlreadyProcessed,
	})
}

func (h *Handler) writeSettleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	case errors.Is(err, storage.ErrInvalidOrderStatus):
		writeError(c, http.StatusConflict, "INVALID_ORDER_STATUS_FOR_SETTLEMENT", "order is not settleable")
	case errors.Is(err, storage.ErrInvalidOrderAmount):
		writeError(c, http.StatusUnprocessableEntity, "INVALID_ORDER_AMOUNT", "order amount must be positive")
	case errors.Is(err, storage.ErrUserNotFound):
		writeError(c, http.StatusUnprocessableEntity, "USER_NOT_FOUND", "buyer is missing or not active")
	default:
		h.Logger.Error("settle order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
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
