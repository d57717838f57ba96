package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"
	"github.com/team-noonchissaum/IgLoo-sub001/services/settlement/internal/storage"
)

const orderCompletedEventType = "order.completed"

type OrderCompletedEvent struct {
	kafka.Envelope
	OrderID   string `json:"order_id"`
	AuctionID string `json:"auction_id"`
	BuyerID   string `json:"buyer_id"`
	SellerID  string `json:"seller_id"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

type OrderSettler interface {
	Settle(ctx context.Context, orderID uuid.UUID) (storage.SettleResult, error)
}

type OrderConsumer struct {
	settler OrderSettler
	logger  *slog.Logger
}

func NewOrderConsumer(settler OrderSettler, logger *slog.Logger) *OrderConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderConsumer{settler: settler, logger: logger}
}

var _ kafka.MessageHandler = (*OrderConsumer)(nil)

func (c *OrderConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "decode")
	}
	var event OrderCompletedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode order.completed: %w", err), "decode")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_envelope")
	}
	if event.EventType != orderCompletedEventType {
		return kafka.DLQ(fmt.Errorf("unexpected event type %q", event.EventType), "invalid_event")
	}
	orderID, err := uuid.Parse(event.OrderID)
	if err != nil {
		return kafka.DLQ(fmt.Errorf("parse order_id: %w", err), "invalid_event")
	}

	_, err = c.settler.Settle(ctx, orderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrInvalidOrderStatus),
		errors.Is(err, storage.ErrInvalidOrderAmount),
		errors.Is(err, storage.ErrUserNotFound):
		// Preconditions do not heal with retries.
		return kafka.DLQ(err, "precondition_failed")
	default:
		// ErrOrderNotFound included: the order row may still be catching
		// up with the event, so let the retry policy decide.
		return fmt.Errorf("settle order %s: %w", orderID, err)
	}
}
