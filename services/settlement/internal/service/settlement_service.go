// Package service exposes order settlement to the consumer and the HTTP
// retry endpoint with shared metrics and logging.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/team-noonchissaum/IgLoo-sub001/services/settlement/internal/storage"
)

type Settler interface {
	SettleOrder(ctx context.Context, orderID uuid.UUID) (storage.SettleResult, error)
}

type SettlementService struct {
	store   Settler
	metrics *Metrics
	logger  *slog.Logger
}

func NewSettlementService(store Settler, metrics *Metrics, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{store: store, metrics: metrics, logger: logger}
}

func (s *SettlementService) Settle(ctx context.Context, orderID uuid.UUID) (storage.SettleResult, error) {
	start := time.Now()
	result, err := s.store.SettleOrder(ctx, orderID)
	if err != nil {
		s.metrics.ObserveSettle(outcomeFor(err), time.Since(start))
		return storage.SettleResult{}, err
	}
	if result.AlreadyProcessed {
		s.metrics.ObserveSettle("duplicate", time.Since(start))
		s.logger.Info("order already settled", "order_id", orderID)
		return result, nil
	}
	s.metrics.ObserveSettle("settled", time.Since(start))
	s.logger.Info("order settled",
		"order_id", orderID,
		"gross", result.Settlement.GrossAmount.String(),
		"fee", result.Settlement.FeeAmount.String(),
		"net", result.Settlement.NetAmount.String())
	return result, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, storage.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, storage.ErrInvalidOrderStatus):
		return "invalid_status"
	case errors.Is(err, storage.ErrInvalidOrderAmount):
		return "invalid_amount"
	case errors.Is(err, storage.ErrUserNotFound):
		return "user_not_found"
	default:
		return "error"
	}
}
