package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/cache"
	"github.com/team-noonchissaum/IgLoo-sub001/services/auction/internal/storage"
)

// AuctionSnapshot is the read model served to clients.
type AuctionSnapshot struct {
	AuctionID       uuid.UUID
	Status          string
	CurrentPrice    decimal.Decimal
	CurrentBidderID *uuid.UUID
	BidCount        int64
	EndTime         string
	Extended        bool
}

type AuctionReader interface {
	GetAuction(ctx context.Context, id uuid.UUID) (storage.Auction, error)
}

// View answers auction reads from the hot cache, falling back to the
// database for auctions that are not live.
type View struct {
	cache  *cache.FastPath
	store  AuctionReader
	logger *slog.Logger
}

func NewView(fastPath *cache.FastPath, store AuctionReader, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{cache: fastPath, store: store, logger: logger}
}

func (v *View) Snapshot(ctx context.Context, id uuid.UUID) (AuctionSnapshot, error) {
	snap, err := v.cache.GetSnapshot(ctx, id)
	if err == nil {
		status := snap.Status
		if status == "" {
			status = storage.AuctionStatusRunning
		}
		out := AuctionSnapshot{
			AuctionID:       id,
			Status:          status,
			CurrentPrice:    snap.CurrentPrice,
			CurrentBidderID: snap.CurrentBidderID,
			BidCount:        snap.BidCount,
			EndTime:         snap.EndTime.UTC().Format(time.RFC3339Nano),
			Extended:        snap.Extended,
		}
		return out, nil
	}
	if !errors.Is(err, cache.ErrSnapshotMissing) {
		v.logger.Warn("snapshot read failed, falling back to db", "auction_id", id, "error", err)
	}

	auction, err := v.store.GetAuction(ctx, id)
	if err != nil {
		return AuctionSnapshot{}, err
	}
	return AuctionSnapshot{
		AuctionID:       auction.ID,
		Status:          auction.Status,
		CurrentPrice:    auction.CurrentPrice,
		CurrentBidderID: auction.CurrentBidderID,
		BidCount:        int64(auction.BidCount),
		EndTime:         auction.EndTime.UTC().Format(time.RFC3339Nano),
		Extended:        auction.Extended,
	}, nil
}
