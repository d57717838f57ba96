package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"log/slog"

	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
)

type AuctionBlockStore interface {
	BlockAuction(ctx context.Context, auctionID uuid.UUID, status string) error
}

// Moderator pulls an auction out of circulation. TEMP_BLOCKED may later be
// lifted by support, BLOCKED is final; either one stops bidding immediately
// because the hot state is dropped along with the status flip.
type Moderator struct {
	store  AuctionBlockStore
	cache  *cache.FastPath
	logger *slog.Logger
}

func NewModerator(store AuctionBlockStore, fastPath *cache.FastPath, logger *slog.Logger) *Moderator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Moderator{store: store, cache: fastPath, logger: logger}
}

func (m *Moderator) Block(ctx context.Context, auctionID uuid.UUID, status string) error {
	if status != storage.AuctionStatusTempBlocked && status != storage.AuctionStatusBlocked {
		return fmt.Errorf("invalid moderation status %q", status)
	}
	if err := m.store.BlockAuction(ctx, auctionID, status); err != nil {
		return err
	}
	if err := m.cache.DropAuction(ctx, auctionID); err != nil {
		m.logger.Warn("drop blocked auction from cache failed", "auction_id", auctionID, "error", err)
	}
	m.logger.Info("auction blocked", "auction_id", auctionID, "status", status)
	return nil
}
