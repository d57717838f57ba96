package service

import (
	"context"

	"github.com/google/uuid"
	"log/slog"

	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
)

type AuctionCancelStore interface {
	CancelAuction(ctx context.Context, auctionID, sellerID uuid.UUID) error
}

// Canceler withdraws an auction before it opens for bidding. Only READY
// auctions can be canceled, and only by their seller.
type Canceler struct {
	store  AuctionCancelStore
	cache  *cache.FastPath
	logger *slog.Logger
}

func NewCanceler(store AuctionCancelStore, fastPath *cache.FastPath, logger *slog.Logger) *Canceler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Canceler{store: store, cache: fastPath, logger: logger}
}

func (c *Canceler) Cancel(ctx context.Context, auctionID, sellerID uuid.UUID) error {
	if err := c.store.CancelAuction(ctx, auctionID, sellerID); err != nil {
		return err
	}
	// A READY auction should have no hot keys, but a stale seed must not
	// resurrect it.
	if err := c.cache.DropAuction(ctx, auctionID); err != nil {
		c.logger.Warn("drop canceled auction from cache failed", "auction_id", auctionID, "error", err)
	}
	c.logger.Info("auction canceled", "auction_id", auctionID, "seller_id", sellerID)
	return nil
}
