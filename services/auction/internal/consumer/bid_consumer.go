// Package consumer applies accepted bids to the database and repairs the
// pending backlog after crashes.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/engine"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/service"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
)

// BidReconciler is the durable write-back the consumer drives.
type BidReconciler interface {
	ReconcileBid(ctx context.Context, rec storage.BidRecord) (storage.BidReconcileResult, error)
}

// PendingResolver clears the fast-path pending record once a bid landed.
type PendingResolver interface {
	ResolvePending(ctx context.Context, requestID string) error
}

type BidConsumer struct {
	store   BidReconciler
	pending PendingResolver
	metrics *service.Metrics
	logger  *slog.Logger
}

func NewBidConsumer(store BidReconciler, pending PendingResolver, metrics *service.Metrics, logger *slog.Logger) *BidConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BidConsumer{
		store:   store,
		pending: pending,
		metrics: metrics,
		logger:  logger,
	}
}

func (c *BidConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "decode")
	}
	var event engine.BidAcceptedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode bid event: %w", err), "decode")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_envelope")
	}

	rec, err := recordFromEvent(event)
	if err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	start := time.Now()
	result, err := c.store.ReconcileBid(ctx, rec)
	if err != nil {
		// Transient persistence errors are retried by the consumer group
		// handler and dead-lettered once the retry budget runs out.
		c.metrics.ObserveReconcile("error", time.Since(start))
		return fmt.Errorf("reconcile bid %s: %w", rec.RequestID, err)
	}

	status := "applied"
	if result.AlreadyProcessed {
		status = "duplicate"
	}
	c.metrics.ObserveReconcile(status, time.Since(start))

	if err := c.pending.ResolvePending(ctx, rec.RequestID); err != nil {
		// The sweep will clear it once the bid row is visible.
		c.logger.Warn("resolve pending failed", "request_id", rec.RequestID, "error", err)
	}

	c.logger.Info("bid reconciled",
		"auction_id", rec.AuctionID, "request_id", rec.RequestID,
		"status", status, "event_id", event.EventID)
	return nil
}

func recordFromEvent(event engine.BidAcceptedEvent) (storage.BidRecord, error) {
	if event.RequestID == "" {
		return storage.BidRecord{}, fmt.Errorf("request_id is required")
	}
	auctionID, err := parseUUID(event.AuctionID, "auction_id")
	if err != nil {
		return storage.BidRecord{}, err
	}
	bidderID, err := parseUUID(event.BidderID, "bidder_id")
	if err != nil {
		return storage.BidRecord{}, err
	}
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return storage.BidRecord{}, fmt.Errorf("parse amount: %w", err)
	}

	rec := storage.BidRecord{
		RequestID: event.RequestID,
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
	}

	if event.PreviousBidderID != "" {
		prev, err := parseUUID(event.PreviousBidderID, "previous_bidder_id")
		if err != nil {
			return storage.BidRecord{}, err
		}
		rec.PreviousBidderID = &prev
		if rec.RefundAmount, err = decimal.NewFromString(event.RefundAmount); err != nil {
			return storage.BidRecord{}, fmt.Errorf("parse refund_amount: %w", err)
		}
	}
	if event.NewEndTime != "" {
		t, err := time.Parse(time.RFC3339Nano, event.NewEndTime)
		if err != nil {
			return storage.BidRecord{}, fmt.Errorf("parse new_end_time: %w", err)
		}
		rec.NewEndTime = &t
	}
	if rec.AcceptedAt, err = time.Parse(time.RFC3339Nano, event.AcceptedAt); err != nil {
		return storage.BidRecord{}, fmt.Errorf("parse accepted_at: %w", err)
	}
	return rec, nil
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// eventFromPending rebuilds the accepted-bid event from a pending record.
// The deterministic event id makes the sweep's re-enqueue a true replay.
func eventFromPending(pending cache.PendingBid) (engine.BidAcceptedEvent, error) {
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("bid", pending.AuctionID.String(), pending.RequestID),
		engine.EventTypeBidAccepted, 1, pending.RequestID)
	if err != nil {
		return engine.BidAcceptedEvent{}, err
	}

	evt := engine.BidAcceptedEvent{
		Envelope:   envelope,
		RequestID:  pending.RequestID,
		AuctionID:  pending.AuctionID.String(),
		BidderID:   pending.BidderID.String(),
		Amount:     pending.Amount.String(),
		AcceptedAt: pending.AcceptedAt.Format(time.RFC3339Nano),
	}
	if pending.PreviousBidderID != nil {
		evt.PreviousBidderID = pending.PreviousBidderID.String()
		evt.RefundAmount = pending.RefundAmount.String()
	}
	if pending.NewEndTime != nil {
		evt.NewEndTime = pending.NewEndTime.UTC().Format(time.RFC3339Nano)
	}
	return evt, nil
}
