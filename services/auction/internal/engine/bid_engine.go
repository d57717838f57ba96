// Package engine implements the bid acceptance fast path. A bid is decided
// against the Redis hot state under a per-auction lock, funds move in the
// wallet mirror, and the durable write-back is queued for the reconciliation
// worker. The database is only read here to warm a cold cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/team-noonchissaum/IgLoo-sub001/libs/kafka"
	"github.com/team-noonchissaum/IgLoo-sub001/libs/redislock"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/config"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
)

// Store is the slice of durable state the engine needs for cache warm-up
// and the bidder identity check.
type Store interface {
	GetAuction(ctx context.Context, id uuid.UUID) (storage.Auction, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (storage.Wallet, error)
	GetUser(ctx context.Context, id uuid.UUID) (storage.User, error)
}

type PlaceBidRequest struct {
	RequestID string
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    decimal.Decimal
}

type PlaceBidResult struct {
	Accepted     bool
	CurrentPrice decimal.Decimal
	BidCount     int64
	EndTime      time.Time
	Extended     bool
	Replayed     bool
}

type Engine struct {
	locks     *redislock.Manager
	cache     *cache.FastPath
	store     Store
	publisher kafka.Publisher
	topic     string
	cfg       config.BiddingConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(locks *redislock.Manager, fastPath *cache.FastPath, store Store, publisher kafka.Publisher, topic string, cfg config.BiddingConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		locks:     locks,
		cache:     fastPath,
		store:     store,
		publisher: publisher,
		topic:     topic,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// PlaceBid decides a bid entirely against the hot state. A replayed request
// id returns the stored outcome of the first call. Business rejections come
// back as *RejectionError; infrastructure faults as plain errors.
func (e *Engine) PlaceBid(ctx context.Context, req PlaceBidRequest) (PlaceBidResult, error) {
	if req.RequestID == "" {
		return PlaceBidResult{}, fmt.Errorf("request_id is required")
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return PlaceBidResult{}, reject(CodeLowBidAmount, "bid amount must be positive")
	}

	fresh, stored, err := e.cache.BeginRequest(ctx, req.RequestID, e.cfg.IdempotencyTTL)
	if err != nil {
		return PlaceBidResult{}, fmt.Errorf("claim request: %w", err)
	}
	if !fresh {
		if stored != nil {
			return PlaceBidResult{
				Accepted:     stored.Accepted,
				CurrentPrice: stored.CurrentPrice,
				BidCount:     stored.BidCount,
				EndTime:      stored.EndTime,
				Extended:     stored.Extended,
				Replayed:     true,
			}, nil
		}
		return PlaceBidResult{}, ErrRequestInFlight
	}

	result, err := e.placeBidLocked(ctx, req)
	if err != nil {
		// Nothing was applied; free the request id so the client may retry.
		if releaseErr := e.cache.ReleaseRequest(ctx, req.RequestID); releaseErr != nil {
			e.logger.Error("release request marker failed", "request_id", req.RequestID, "error", releaseErr)
		}
		return PlaceBidResult{}, err
	}
	return result, nil
}

func (e *Engine) placeBidLocked(ctx context.Context, req PlaceBidRequest) (PlaceBidResult, error) {
	auctionLock, err := e.locks.Acquire(ctx, "auction:"+req.AuctionID.String(), e.cfg.LockWait, e.cfg.LockLease)
	if err != nil {
		if errors.Is(err, redislock.ErrNotAcquired) {
			return PlaceBidResult{}, ErrLockTimeout
		}
		return PlaceBidResult{}, err
	}
	defer auctionLock.Release(ctx)

	now := e.now().UTC()
	snap, err := e.loadSnapshot(ctx, req.AuctionID, now)
	if err != nil {
		return PlaceBidResult{}, err
	}

	bidder, err := e.store.GetUser(ctx, req.BidderID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return PlaceBidResult{}, reject(CodeUserNotActive, "bidder not found")
		}
		return PlaceBidResult{}, err
	}
	if bidder.Status != storage.UserStatusActive {
		return PlaceBidResult{}, reject(CodeUserNotActive, "bidder is not active")
	}

	if !now.Before(snap.EndTime) {
		return PlaceBidResult{}, reject(CodeAuctionEnded, "auction already ended")
	}
	if snap.SellerID == req.BidderID {
		return PlaceBidResult{}, reject(CodeCannotBidOwn, "cannot bid on own auction")
	}
	if snap.CurrentBidderID != nil && *snap.CurrentBidderID == req.BidderID {
		return PlaceBidResult{}, reject(CodeCannotBidContinuous, "already the highest bidder")
	}
	if !req.Amount.GreaterThan(snap.CurrentPrice) {
		return PlaceBidResult{}, reject(CodeLowBidAmount,
			fmt.Sprintf("bid must exceed current price %s", snap.CurrentPrice))
	}

	lockNames := []string{"user:" + req.BidderID.String()}
	if snap.CurrentBidderID != nil {
		lockNames = append(lockNames, "user:"+snap.CurrentBidderID.String())
	}
	userLocks, err := e.locks.AcquireAll(ctx, lockNames, e.cfg.LockWait, e.cfg.LockLease)
	if err != nil {
		if errors.Is(err, redislock.ErrNotAcquired) {
			return PlaceBidResult{}, ErrLockTimeout
		}
		return PlaceBidResult{}, err
	}
	defer userLocks.Release(ctx)

	available, _, err := e.loadWallet(ctx, req.BidderID)
	if err != nil {
		return PlaceBidResult{}, err
	}
	if available.LessThan(req.Amount) {
		return PlaceBidResult{}, reject(CodeInsufficientBalance, "available balance too low")
	}

	// Anti-sniping: a bid inside the auction's imminent window pushes the
	// current deadline forward by the fixed increment, once per auction.
	var newEndTime *time.Time
	endTime := snap.EndTime
	if !snap.Extended {
		window := time.Duration(snap.ImminentMinutes) * time.Minute
		if window <= 0 {
			window = e.cfg.ExtensionIncrement
		}
		if snap.EndTime.Sub(now) <= window {
			extended := snap.EndTime.Add(e.cfg.ExtensionIncrement)
			newEndTime = &extended
			endTime = extended
		}
	}

	pending := cache.PendingBid{
		RequestID:        req.RequestID,
		AuctionID:        req.AuctionID,
		BidderID:         req.BidderID,
		Amount:           req.Amount,
		PreviousBidderID: snap.CurrentBidderID,
		NewEndTime:       newEndTime,
		AcceptedAt:       now,
	}
	if snap.CurrentBidderID != nil {
		pending.RefundAmount = snap.CurrentPrice
	}
	if err := e.cache.RecordPending(ctx, pending, e.cfg.IdempotencyTTL); err != nil {
		return PlaceBidResult{}, fmt.Errorf("record pending bid: %w", err)
	}

	if err := e.publishAccepted(ctx, pending); err != nil {
		if cleanupErr := e.cache.ResolvePending(ctx, req.RequestID); cleanupErr != nil {
			e.logger.Error("drop pending bid failed", "request_id", req.RequestID, "error", cleanupErr)
		}
		return PlaceBidResult{}, ErrEnqueueFailed
	}

	// The bid is accepted from here on. Fast-path bookkeeping failures are
	// logged and left to the reconciliation worker and pending sweep.
	if err := e.cache.ApplyBid(ctx, req.AuctionID, req.BidderID, req.Amount, newEndTime); err != nil {
		e.logger.Error("apply bid to snapshot failed", "auction_id", req.AuctionID, "error", err)
	}
	if err := e.cache.HoldFunds(ctx, req.BidderID, req.Amount); err != nil {
		e.logger.Error("hold funds in mirror failed", "bidder_id", req.BidderID, "error", err)
	}
	if pending.PreviousBidderID != nil {
		if err := e.cache.ReleaseFunds(ctx, *pending.PreviousBidderID, pending.RefundAmount); err != nil {
			e.logger.Error("release funds in mirror failed", "user_id", *pending.PreviousBidderID, "error", err)
		}
	}

	result := PlaceBidResult{
		Accepted:     true,
		CurrentPrice: req.Amount,
		BidCount:     snap.BidCount + 1,
		EndTime:      endTime,
		Extended:     snap.Extended || newEndTime != nil,
	}
	outcome := cache.BidOutcome{
		Accepted:     true,
		CurrentPrice: result.CurrentPrice,
		BidCount:     result.BidCount,
		EndTime:      result.EndTime,
		Extended:     result.Extended,
	}
	if err := e.cache.StoreOutcome(ctx, req.RequestID, outcome, e.cfg.IdempotencyTTL); err != nil {
		e.logger.Error("store bid outcome failed", "request_id", req.RequestID, "error", err)
	}

	e.logger.Info("bid accepted",
		"auction_id", req.AuctionID, "bidder_id", req.BidderID,
		"amount", req.Amount, "request_id", req.RequestID,
		"extended", newEndTime != nil)
	return result, nil
}

func (e *Engine) loadSnapshot(ctx context.Context, auctionID uuid.UUID, now time.Time) (cache.Snapshot, error) {
	snap, err := e.cache.GetSnapshot(ctx, auctionID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, cache.ErrSnapshotMissing) {
		return cache.Snapshot{}, err
	}

	auction, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		if errors.Is(err, storage.ErrAuctionNotFound) {
			return cache.Snapshot{}, reject(CodeAuctionNotRunning, "auction not found")
		}
		return cache.Snapshot{}, err
	}
	if auction.Status != storage.AuctionStatusRunning && auction.Status != storage.AuctionStatusDeadline {
		return cache.Snapshot{}, reject(CodeAuctionNotRunning, "auction is not accepting bids")
	}

	snap = cache.Snapshot{
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
	if err := e.cache.SeedAuction(ctx, auctionID, snap, ttl); err != nil {
		e.logger.Error("seed auction snapshot failed", "auction_id", auctionID, "error", err)
	}
	return snap, nil
}

func (e *Engine) loadWallet(ctx context.Context, userID uuid.UUID) (available, locked decimal.Decimal, err error) {
	available, locked, err = e.cache.GetWallet(ctx, userID)
	if err == nil {
		return available, locked, nil
	}
	if !errors.Is(err, cache.ErrWalletMissing) {
		return decimal.Zero, decimal.Zero, err
	}

	wallet, err := e.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrWalletNotFound) {
			return decimal.Zero, decimal.Zero, reject(CodeInsufficientBalance, "no wallet for user")
		}
		return decimal.Zero, decimal.Zero, err
	}
	if err := e.cache.SeedWallet(ctx, userID, wallet.Available, wallet.Locked); err != nil {
		e.logger.Error("seed wallet mirror failed", "user_id", userID, "error", err)
	}
	return wallet.Available, wallet.Locked, nil
}

func (e *Engine) publishAccepted(ctx context.Context, pending cache.PendingBid) error {
	envelope, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("bid", pending.AuctionID.String(), pending.RequestID),
		EventTypeBidAccepted, 1, pending.RequestID)
	if err != nil {
		return err
	}

	evt := BidAcceptedEvent{
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

	// Keying by auction id keeps one auction's bids on one partition, so
	// the worker applies them in acceptance order.
	if _, _, err := e.publisher.PublishJSON(ctx, e.topic, pending.AuctionID.String(), evt); err != nil {
		e.logger.Error("publish accepted bid failed", "auction_id", pending.AuctionID, "error", err)
		return err
	}
	return nil
}
