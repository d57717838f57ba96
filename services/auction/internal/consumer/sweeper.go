package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/service"
)

// PendingStore is the fast-path state the sweep walks.
type PendingStore interface {
	ListPending(ctx context.Context) ([]string, error)
	GetPending(ctx context.Context, requestID string) (cache.PendingBid, error)
	ResolvePending(ctx context.Context, requestID string) error
}

// BidChecker answers whether a pending bid already reached the database.
type BidChecker interface {
	BidExists(ctx context.Context, requestID string) (bool, error)
}

// PendingSweeper periodically repairs the accepted-but-unwritten backlog.
// A pending record older than maxAge either already landed (the record is
// just stale and gets cleared) or its queue message was lost and the event
// is re-enqueued from the record itself.
type PendingSweeper struct {
	pending   PendingStore
	store     BidChecker
	publisher kafka.Publisher
	topic     string
	interval  time.Duration
	maxAge    time.Duration
	metrics   *service.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewPendingSweeper(pending PendingStore, store BidChecker, publisher kafka.Publisher, topic string, interval, maxAge time.Duration, metrics *service.Metrics, logger *slog.Logger) *PendingSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingSweeper{
		pending:   pending,
		store:     store,
		publisher: publisher,
		topic:     topic,
		interval:  interval,
		maxAge:    maxAge,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *PendingSweeper) WithClock(now func() time.Time) *PendingSweeper {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *PendingSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("pending sweep failed", "error", err)
			}
		}
	}
}

func (s *PendingSweeper) SweepOnce(ctx context.Context) error {
	requestIDs, err := s.pending.ListPending(ctx)
	if err != nil {
		return err
	}

	cutoff := s.now().UTC().Add(-s.maxAge)
	for _, requestID := range requestIDs {
		if err := s.sweepOne(ctx, requestID, cutoff); err != nil {
			s.logger.Error("sweep pending bid failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}

func (s *PendingSweeper) sweepOne(ctx context.Context, requestID string, cutoff time.Time) error {
	pending, err := s.pending.GetPending(ctx, requestID)
	if err != nil {
		if errors.Is(err, cache.ErrPendingMissing) {
			// The hash expired but the set entry survived.
			s.metrics.IncPendingSwept("orphaned")
			return s.pending.ResolvePending(ctx, requestID)
		}
		return err
	}
	if pending.AcceptedAt.After(cutoff) {
		// Still within the worker's normal latency budget.
		return nil
	}

	exists, err := s.store.BidExists(ctx, requestID)
	if err != nil {
		return err
	}
	if exists {
		s.metrics.IncPendingSwept("resolved")
		return s.pending.ResolvePending(ctx, requestID)
	}

	evt, err := eventFromPending(pending)
	if err != nil {
		return err
	}
	if _, _, err := s.publisher.PublishJSON(ctx, s.topic, pending.AuctionID.String(), evt); err != nil {
		return err
	}
	s.metrics.IncPendingSwept("requeued")
	s.logger.Warn("pending bid re-enqueued",
		"request_id", requestID, "auction_id", pending.AuctionID,
		"accepted_at", pending.AcceptedAt)
	return nil
}
