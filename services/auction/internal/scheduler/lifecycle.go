// Package scheduler drives auctions through their lifecycle on fixed
// cadences: exposing READY listings, flagging imminent closings and ending
// overdue ones. All transitions are compare-and-swap style in the database,
// so extra instances are harmless.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/config"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/service"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
)

// EventTypeOrderCompleted announces a won auction's order, consumed by
// settlement.
const EventTypeOrderCompleted = "order.completed"

type OrderCompletedEvent struct {
	kafka.Envelope
	OrderID   string `json:"order_id"`
	AuctionID string `json:"auction_id"`
	BuyerID   string `json:"buyer_id"`
	SellerID  string `json:"seller_id"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

type LifecycleStore interface {
	ExposeReady(ctx context.Context, now time.Time, limit int) ([]storage.Auction, error)
	MarkImminent(ctx context.Context, now time.Time, limit int) ([]storage.Auction, error)
	EndDue(ctx context.Context, now time.Time, limit int) ([]storage.Auction, error)
	FinalizeEnded(ctx context.Context, limit int) ([]storage.FinalizedAuction, error)
}

type ClosedNotifier interface {
	NotifyImminent(ctx context.Context, auction storage.Auction) error
	NotifyClosed(ctx context.Context, finalized storage.FinalizedAuction) error
}

type Scheduler struct {
	store       LifecycleStore
	cache       *cache.FastPath
	notifier    ClosedNotifier
	orders      kafka.Publisher
	ordersTopic string
	cfg         config.LifecycleConfig
	metrics     *service.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func New(store LifecycleStore, fastPath *cache.FastPath, notifier ClosedNotifier, orders kafka.Publisher, ordersTopic string, cfg config.LifecycleConfig, metrics *service.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       store,
		cache:       fastPath,
		notifier:    notifier,
		orders:      orders,
		ordersTopic: ordersTopic,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Run drives the three sweeps until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, s.cfg.ExposeEvery, s.ExposeOnce)
	go s.loop(ctx, s.cfg.MarkImminentEvery, s.ImminentOnce)
	s.loop(ctx, s.cfg.EndEvery, s.EndOnce)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				s.logger.Error("lifecycle sweep failed", "error", err)
			}
		}
	}
}

// ExposeOnce promotes due READY auctions to RUNNING and warms their hot
// state so the first bid does not pay the cold-cache cost.
func (s *Scheduler) ExposeOnce(ctx context.Context) error {
	now := s.now().UTC()
	auctions, err := s.store.ExposeReady(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, auction := range auctions {
		snap := cache.Snapshot{
			SellerID:        auction.SellerID,
			Status:          auction.Status,
			CurrentPrice:    auction.CurrentPrice,
			CurrentBidderID: auction.CurrentBidderID,
			BidCount:        int64(auction.BidCount),
			EndTime:         auction.EndTime.UTC(),
			Extended:        auction.Extended,
			ImminentMinutes: auction.ImminentMinutes,
		}
		ttl := auction.EndTime.Sub(now) + time.Hour
		if err := s.cache.SeedAuction(ctx, auction.ID, snap, ttl); err != nil {
			s.logger.Error("seed exposed auction failed", "auction_id", auction.ID, "error", err)
		}
		s.logger.Info("auction exposed", "auction_id", auction.ID, "end_time", auction.EndTime)
	}
	s.metrics.IncLifecycle(storage.AuctionStatusRunning, len(auctions))
	return nil
}

// ImminentOnce flags RUNNING auctions inside their closing window and sends
// the one-shot notice.
func (s *Scheduler) ImminentOnce(ctx context.Context) error {
	auctions, err := s.store.MarkImminent(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, auction := range auctions {
		if err := s.cache.SetStatus(ctx, auction.ID, storage.AuctionStatusDeadline); err != nil {
			s.logger.Error("set hot status failed", "auction_id", auction.ID, "error", err)
		}
		if err := s.notifier.NotifyImminent(ctx, auction); err != nil {
			s.logger.Error("imminent notify failed", "auction_id", auction.ID, "error", err)
		}
	}
	s.metrics.IncLifecycle(storage.AuctionStatusDeadline, len(auctions))
	return nil
}

// EndOnce closes overdue auctions and finalizes them: winners get an order
// and an order.completed event, the rest are marked FAILED.
func (s *Scheduler) EndOnce(ctx context.Context) error {
	now := s.now().UTC()
	ended, err := s.store.EndDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, auction := range ended {
		if err := s.cache.DropAuction(ctx, auction.ID); err != nil {
			s.logger.Error("drop auction hot state failed", "auction_id", auction.ID, "error", err)
		}
	}
	s.metrics.IncLifecycle(storage.AuctionStatusEnded, len(ended))

	finalized, err := s.store.FinalizeEnded(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, fin := range finalized {
		if fin.Order != nil {
			if err := s.publishOrderCompleted(ctx, *fin.Order); err != nil {
				s.logger.Error("publish order completed failed", "order_id", fin.Order.ID, "error", err)
			}
		}
		if err := s.notifier.NotifyClosed(ctx, fin); err != nil {
			s.logger.Error("closed notify failed", "auction_id", fin.Auction.ID, "error", err)
		}
		s.metrics.IncLifecycle(fin.Auction.Status, 1)
	}
	return nil
}

func (s *Scheduler) publishOrderCompleted(ctx context.Context, order storage.Order) error {
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("order", order.ID.String()),
		EventTypeOrderCompleted, 1, order.AuctionID.String())
	if err != nil {
		return err
	}
	evt := OrderCompletedEvent{
		Envelope:  envelope,
		OrderID:   order.ID.String(),
		AuctionID: order.AuctionID.String(),
		BuyerID:   order.BuyerID.String(),
		SellerID:  order.SellerID.String(),
		Amount:    order.Amount.String(),
		CreatedAt: order.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	_, _, err = s.orders.PublishJSON(ctx, s.ordersTopic, order.ID.String(), evt)
	return err
}
