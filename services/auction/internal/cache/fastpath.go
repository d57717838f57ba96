// Package cache holds the Redis hot state of live auctions: the current
// price snapshot bidders race on, the wallet mirror used for instant balance
// checks, idempotency markers and the pending set the sweeper repairs from.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	ErrSnapshotMissing = errors.New("auction snapshot missing")
	ErrWalletMissing   = errors.New("wallet mirror missing")
	ErrPendingMissing  = errors.New("pending record missing")
)

func auctionKey(id uuid.UUID, field string) string {
	return "auction:" + id.String() + ":" + field
}

func userKey(id uuid.UUID, field string) string {
	return "user:" + id.String() + ":" + field
}

func idempotencyKey(requestID string) string {
	return "bid_idempotency:" + requestID
}

func pendingInfoKey(requestID string) string {
	return "pending_bid_info:" + requestID
}

const (
	pendingSetKey   = "pending_bid_requests"
	imminentSentKey = "imminent_notified:"
)

// Snapshot is the hot view of one auction.
type Snapshot struct {
	SellerID        uuid.UUID
	Status          string
	CurrentPrice    decimal.Decimal
	CurrentBidderID *uuid.UUID
	BidCount        int64
	EndTime         time.Time
	Extended        bool
	ImminentMinutes int
}

// BidOutcome is the stored result of a processed bid request, returned
// verbatim on replay.
type BidOutcome struct {
	Accepted     bool            `json:"accepted"`
	Code         string          `json:"code,omitempty"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	BidCount     int64           `json:"bid_count"`
	EndTime      time.Time       `json:"end_time"`
	Extended     bool            `json:"extended,omitempty"`
}

// PendingBid mirrors the durable write still in flight for a request.
type PendingBid struct {
	RequestID        string
	AuctionID        uuid.UUID
	BidderID         uuid.UUID
	Amount           decimal.Decimal
	PreviousBidderID *uuid.UUID
	RefundAmount     decimal.Decimal
	NewEndTime       *time.Time
	AcceptedAt       time.Time
}

type FastPath struct {
	client redis.UniversalClient
}

func NewFastPath(client redis.UniversalClient) *FastPath {
	return &FastPath{client: client}
}

// SeedAuction loads an auction's hot state into Redis. Called when the
// lifecycle sweep promotes a row to RUNNING.
func (f *FastPath) SeedAuction(ctx context.Context, id uuid.UUID, snap Snapshot, ttl time.Duration) error {
	pipe := f.client.TxPipeline()
	pipe.Set(ctx, auctionKey(id, "seller"), snap.SellerID.String(), ttl)
	pipe.Set(ctx, auctionKey(id, "status"), snap.Status, ttl)
	pipe.Set(ctx, auctionKey(id, "currentPrice"), snap.CurrentPrice.String(), ttl)
	pipe.Set(ctx, auctionKey(id, "currentBidCount"), snap.BidCount, ttl)
	pipe.Set(ctx, auctionKey(id, "endTime"), snap.EndTime.UTC().Format(time.RFC3339Nano), ttl)
	pipe.Set(ctx, auctionKey(id, "isExtended"), strconv.FormatBool(snap.Extended), ttl)
	pipe.Set(ctx, auctionKey(id, "imminentMinutes"), snap.ImminentMinutes, ttl)
	if snap.CurrentBidderID != nil {
		pipe.Set(ctx, auctionKey(id, "currentBidder"), snap.CurrentBidderID.String(), ttl)
	} else {
		pipe.Del(ctx, auctionKey(id, "currentBidder"))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetSnapshot reads the hot view. ErrSnapshotMissing means the auction is
// not live in Redis and the caller should fall back to the database.
func (f *FastPath) GetSnapshot(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	vals, err := f.client.MGet(ctx,
		auctionKey(id, "currentPrice"),
		auctionKey(id, "currentBidder"),
		auctionKey(id, "currentBidCount"),
		auctionKey(id, "endTime"),
		auctionKey(id, "isExtended"),
		auctionKey(id, "imminentMinutes"),
		auctionKey(id, "seller"),
		auctionKey(id, "status"),
	).Result()
	if err != nil {
		return Snapshot{}, err
	}
	if vals[0] == nil || vals[3] == nil {
		return Snapshot{}, ErrSnapshotMissing
	}

	var snap Snapshot
	if snap.CurrentPrice, err = decimal.NewFromString(vals[0].(string)); err != nil {
		return Snapshot{}, fmt.Errorf("parse current price: %w", err)
	}
	if vals[1] != nil {
		bidder, err := uuid.Parse(vals[1].(string))
		if err != nil {
			return Snapshot{}, fmt.Errorf("parse current bidder: %w", err)
		}
		snap.CurrentBidderID = &bidder
	}
	if vals[2] != nil {
		if snap.BidCount, err = strconv.ParseInt(vals[2].(string), 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("parse bid count: %w", err)
		}
	}
	if snap.EndTime, err = time.Parse(time.RFC3339Nano, vals[3].(string)); err != nil {
		return Snapshot{}, fmt.Errorf("parse end time: %w", err)
	}
	if vals[4] != nil {
		snap.Extended, _ = strconv.ParseBool(vals[4].(string))
	}
	if vals[5] != nil {
		minutes, err := strconv.Atoi(vals[5].(string))
		if err == nil {
			snap.ImminentMinutes = minutes
		}
	}
	if vals[6] != nil {
		if snap.SellerID, err = uuid.Parse(vals[6].(string)); err != nil {
			return Snapshot{}, fmt.Errorf("parse seller: %w", err)
		}
	}
	if vals[7] != nil {
		snap.Status = vals[7].(string)
	}
	return snap, nil
}

// SetStatus updates the hot status label, for transitions that keep the
// auction live (RUNNING to DEADLINE). A missing snapshot stays missing.
func (f *FastPath) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return f.client.SetXX(ctx, auctionKey(id, "status"), status, redis.KeepTTL).Err()
}

// ApplyBid updates the hot view after a bid was accepted. Callers hold the
// auction lock, so plain writes are safe here.
func (f *FastPath) ApplyBid(ctx context.Context, id uuid.UUID, bidder uuid.UUID, amount decimal.Decimal, newEndTime *time.Time) error {
	pipe := f.client.TxPipeline()
	pipe.Set(ctx, auctionKey(id, "currentPrice"), amount.String(), redis.KeepTTL)
	pipe.Set(ctx, auctionKey(id, "currentBidder"), bidder.String(), redis.KeepTTL)
	pipe.Incr(ctx, auctionKey(id, "currentBidCount"))
	if newEndTime != nil {
		pipe.Set(ctx, auctionKey(id, "endTime"), newEndTime.UTC().Format(time.RFC3339Nano), redis.KeepTTL)
		pipe.Set(ctx, auctionKey(id, "isExtended"), "true", redis.KeepTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DropAuction removes the hot view when an auction leaves the live set.
func (f *FastPath) DropAuction(ctx context.Context, id uuid.UUID) error {
	return f.client.Del(ctx,
		auctionKey(id, "seller"),
		auctionKey(id, "status"),
		auctionKey(id, "currentPrice"),
		auctionKey(id, "currentBidder"),
		auctionKey(id, "currentBidCount"),
		auctionKey(id, "endTime"),
		auctionKey(id, "isExtended"),
		auctionKey(id, "imminentMinutes"),
	).Err()
}

// SeedWallet mirrors a wallet's balances into Redis.
func (f *FastPath) SeedWallet(ctx context.Context, userID uuid.UUID, available, locked decimal.Decimal) error {
	pipe := f.client.TxPipeline()
	pipe.Set(ctx, userKey(userID, "balance"), available.String(), 0)
	pipe.Set(ctx, userKey(userID, "lockedBalance"), locked.String(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// GetWallet reads the mirrored balances. Callers mutate only while holding
// the user's lock.
func (f *FastPath) GetWallet(ctx context.Context, userID uuid.UUID) (available, locked decimal.Decimal, err error) {
	vals, err := f.client.MGet(ctx, userKey(userID, "balance"), userKey(userID, "lockedBalance")).Result()
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if vals[0] == nil {
		return decimal.Zero, decimal.Zero, ErrWalletMissing
	}
	if available, err = decimal.NewFromString(vals[0].(string)); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	locked = decimal.Zero
	if vals[1] != nil {
		if locked, err = decimal.NewFromString(vals[1].(string)); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("parse locked balance: %w", err)
		}
	}
	return available, locked, nil
}

// HoldFunds moves amount from available to locked in the mirror.
func (f *FastPath) HoldFunds(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	available, locked, err := f.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	return f.SeedWallet(ctx, userID, available.Sub(amount), locked.Add(amount))
}

// ReleaseFunds moves amount from locked back to available in the mirror.
func (f *FastPath) ReleaseFunds(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	available, locked, err := f.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	return f.SeedWallet(ctx, userID, available.Add(amount), locked.Sub(amount))
}

// BeginRequest claims a request id. Returns false when the id was already
// seen, in which case the stored outcome (if any) is returned.
func (f *FastPath) BeginRequest(ctx context.Context, requestID string, ttl time.Duration) (bool, *BidOutcome, error) {
	ok, err := f.client.SetNX(ctx, idempotencyKey(requestID), "PENDING", ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}
	raw, err := f.client.Get(ctx, idempotencyKey(requestID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if raw == "PENDING" {
		return false, nil, nil
	}
	var outcome BidOutcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return false, nil, fmt.Errorf("decode stored outcome: %w", err)
	}
	return false, &outcome, nil
}

// StoreOutcome replaces the PENDING marker with the final result so a
// replayed request returns the same answer.
func (f *FastPath) StoreOutcome(ctx context.Context, requestID string, outcome BidOutcome, ttl time.Duration) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return f.client.Set(ctx, idempotencyKey(requestID), raw, ttl).Err()
}

// ReleaseRequest drops the claim for a request that was rejected before any
// state changed, so the client may retry with the same id.
func (f *FastPath) ReleaseRequest(ctx context.Context, requestID string) error {
	return f.client.Del(ctx, idempotencyKey(requestID)).Err()
}

// RecordPending stores the durable write still owed for an accepted bid and
// adds it to the pending set the sweeper scans.
func (f *FastPath) RecordPending(ctx context.Context, pending PendingBid, ttl time.Duration) error {
	fields := map[string]any{
		"auction_id":  pending.AuctionID.String(),
		"bidder_id":   pending.BidderID.String(),
		"amount":      pending.Amount.String(),
		"request_id":  pending.RequestID,
		"accepted_at": pending.AcceptedAt.UTC().Format(time.RFC3339Nano),
	}
	if pending.PreviousBidderID != nil {
		fields["previous_bidder_id"] = pending.PreviousBidderID.String()
		fields["refund_amount"] = pending.RefundAmount.String()
	}
	if pending.NewEndTime != nil {
		fields["new_end_time"] = pending.NewEndTime.UTC().Format(time.RFC3339Nano)
	}

	pipe := f.client.TxPipeline()
	pipe.HSet(ctx, pendingInfoKey(pending.RequestID), fields)
	pipe.Expire(ctx, pendingInfoKey(pending.RequestID), ttl)
	pipe.SAdd(ctx, pendingSetKey, pending.RequestID)
	_, err := pipe.Exec(ctx)
	return err
}

// ResolvePending clears the pending record once the durable write landed.
func (f *FastPath) ResolvePending(ctx context.Context, requestID string) error {
	pipe := f.client.TxPipeline()
	pipe.Del(ctx, pendingInfoKey(requestID))
	pipe.SRem(ctx, pendingSetKey, requestID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListPending returns all request ids awaiting durable write-back.
func (f *FastPath) ListPending(ctx context.Context) ([]string, error) {
	return f.client.SMembers(ctx, pendingSetKey).Result()
}

// GetPending loads the pending record for a request id.
func (f *FastPath) GetPending(ctx context.Context, requestID string) (PendingBid, error) {
	fields, err := f.client.HGetAll(ctx, pendingInfoKey(requestID)).Result()
	if err != nil {
		return PendingBid{}, err
	}
	if len(fields) == 0 {
		return PendingBid{}, ErrPendingMissing
	}

	pending := PendingBid{RequestID: fields["request_id"]}
	if pending.AuctionID, err = uuid.Parse(fields["auction_id"]); err != nil {
		return PendingBid{}, fmt.Errorf("parse auction id: %w", err)
	}
	if pending.BidderID, err = uuid.Parse(fields["bidder_id"]); err != nil {
		return PendingBid{}, fmt.Errorf("parse bidder id: %w", err)
	}
	if pending.Amount, err = decimal.NewFromString(fields["amount"]); err != nil {
		return PendingBid{}, fmt.Errorf("parse amount: %w", err)
	}
	if raw, ok := fields["previous_bidder_id"]; ok && raw != "" {
		prev, err := uuid.Parse(raw)
		if err != nil {
			return PendingBid{}, fmt.Errorf("parse previous bidder: %w", err)
		}
		pending.PreviousBidderID = &prev
		if pending.RefundAmount, err = decimal.NewFromString(fields["refund_amount"]); err != nil {
			return PendingBid{}, fmt.Errorf("parse refund amount: %w", err)
		}
	}
	if raw, ok := fields["new_end_time"]; ok && raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return PendingBid{}, fmt.Errorf("parse new end time: %w", err)
		}
		pending.NewEndTime = &t
	}
	if raw, ok := fields["accepted_at"]; ok && raw != "" {
		if pending.AcceptedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return PendingBid{}, fmt.Errorf("parse accepted at: %w", err)
		}
	}
	return pending, nil
}

// MarkImminentNotified claims the one-shot imminent notification for an
// auction. Returns true for the caller that should send it.
func (f *FastPath) MarkImminentNotified(ctx context.Context, id uuid.UUID, ttl time.Duration) (bool, error) {
	return f.client.SetNX(ctx, imminentSentKey+id.String(), "1", ttl).Result()
}
