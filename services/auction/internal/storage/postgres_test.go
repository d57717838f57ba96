package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/team-noonchissaum/IgLoo-sub001/services/testutil"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
	})

	return New(pool, nil), pool
}

func createUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, balance int64) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO users (id, email, display_name, role, status, created_at)
		VALUES ($1, $2, 'test user', 'user', 'ACTIVE', now())
	`, userID, userID.String()+"@test.local"); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO wallets (user_id, available, locked, updated_at)
		VALUES ($1, $2, 0, now())
	`, userID, balance); err != nil {
		t.Fatalf("insert wallet: %v", err)
	}
	return userID
}

func createAuction(t *testing.T, ctx context.Context, pool *pgxpool.Pool, sellerID uuid.UUID, status string, start, end time.Time) uuid.UUID {
	t.Helper()
	auctionID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO auctions (id, seller_id, title, description, start_price, current_price,
		                      bid_count, status, start_time, end_time, extended,
		                      imminent_minutes, deposit_status, created_at, updated_at)
		VALUES ($1, $2, 'test auction', '', 10000, 10000, 0, $3, $4, $5, false, 6, 'HELD', now(), now())
	`, auctionID, sellerID, status, start, end); err != nil {
		t.Fatalf("insert auction: %v", err)
	}
	return auctionID
}

func TestReconcileBidAppliesOnce(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	seller := createUser(t, ctx, pool, 0)
	bidder := createUser(t, ctx, pool, 50000)
	auctionID := createAuction(t, ctx, pool, seller, AuctionStatusRunning,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	rec := BidRecord{
		RequestID:  "req-" + uuid.NewString(),
		AuctionID:  auctionID,
		BidderID:   bidder,
		Amount:     decimal.NewFromInt(11000),
		AcceptedAt: time.Now().UTC(),
	}

	result, err := store.ReconcileBid(ctx, rec)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.AlreadyProcessed {
		t.Fatalf("expected fresh apply")
	}

	auction, err := store.GetAuction(ctx, auctionID)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if !auction.CurrentPrice.Equal(decimal.NewFromInt(11000)) || auction.BidCount != 1 {
		t.Fatalf("expected price 11000 count 1, got %s/%d", auction.CurrentPrice, auction.BidCount)
	}
	if auction.CurrentBidderID == nil || *auction.CurrentBidderID != bidder {
		t.Fatalf("expected bidder recorded")
	}

	wallet, err := store.GetWallet(ctx, bidder)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if !wallet.Available.Equal(decimal.NewFromInt(39000)) || !wallet.Locked.Equal(decimal.NewFromInt(11000)) {
		t.Fatalf("expected 39000/11000, got %s/%s", wallet.Available, wallet.Locked)
	}

	// Replaying the exact record must change nothing.
	replay, err := store.ReconcileBid(ctx, rec)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.AlreadyProcessed {
		t.Fatalf("expected duplicate detection")
	}
	wallet, _ = store.GetWallet(ctx, bidder)
	if !wallet.Locked.Equal(decimal.NewFromInt(11000)) {
		t.Fatalf("replay moved funds: %s", wallet.Locked)
	}

	exists, err := store.BidExists(ctx, rec.RequestID)
	if err != nil || !exists {
		t.Fatalf("expected bid to exist, err=%v", err)
	}

	var auditRows int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM wallet_transactions WHERE user_id = $1 AND tx_type = 'HOLD'
	`, bidder).Scan(&auditRows); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if auditRows != 1 {
		t.Fatalf("expected one HOLD audit row, got %d", auditRows)
	}
}

func TestReconcileBidRefundsPreviousLeader(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	seller := createUser(t, ctx, pool, 0)
	alice := createUser(t, ctx, pool, 50000)
	bob := createUser(t, ctx, pool, 50000)
	auctionID := createAuction(t, ctx, pool, seller, AuctionStatusRunning,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	if _, err := store.ReconcileBid(ctx, BidRecord{
		RequestID: "req-" + uuid.NewString(), AuctionID: auctionID, BidderID: alice,
		Amount: decimal.NewFromInt(11000), AcceptedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("alice bid: %v", err)
	}

	if _, err := store.ReconcileBid(ctx, BidRecord{
		RequestID: "req-" + uuid.NewString(), AuctionID: auctionID, BidderID: bob,
		Amount: decimal.NewFromInt(11200), PreviousBidderID: &alice,
		RefundAmount: decimal.NewFromInt(11000), AcceptedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("bob bid: %v", err)
	}

	aliceWallet, err := store.GetWallet(ctx, alice)
	if err != nil {
		t.Fatalf("alice wallet: %v", err)
	}
	if !aliceWallet.Available.Equal(decimal.NewFromInt(50000)) || !aliceWallet.Locked.Equal(decimal.Zero) {
		t.Fatalf("expected alice refunded, got %s/%s", aliceWallet.Available, aliceWallet.Locked)
	}
	bobWallet, _ := store.GetWallet(ctx, bob)
	if !bobWallet.Locked.Equal(decimal.NewFromInt(11200)) {
		t.Fatalf("expected bob hold 11200, got %s", bobWallet.Locked)
	}
}

func TestReconcileBidExtendsDeadline(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	seller := createUser(t, ctx, pool, 0)
	bidder := createUser(t, ctx, pool, 50000)
	end := time.Now().Add(2 * time.Minute).UTC().Truncate(time.Millisecond)
	auctionID := createAuction(t, ctx, pool, seller, AuctionStatusRunning,
		time.Now().Add(-time.Hour), end)

	newEnd := time.Now().Add(3 * time.Minute).UTC().Truncate(time.Millisecond)
	if _, err := store.ReconcileBid(ctx, BidRecord{
		RequestID: "req-" + uuid.NewString(), AuctionID: auctionID, BidderID: bidder,
		Amount: decimal.NewFromInt(11000), NewEndTime: &newEnd, AcceptedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	auction, err := store.GetAuction(ctx, auctionID)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if !auction.Extended {
		t.Fatalf("expected extended flag")
	}
	if !auction.EndTime.UTC().Equal(newEnd) {
		t.Fatalf("expected end %v, got %v", newEnd, auction.EndTime.UTC())
	}
}

func TestLifecycleTransitions(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := createUser(t, ctx, pool, 10000)

	ready := createAuction(t, ctx, pool, seller, AuctionStatusReady, now.Add(-time.Minute), now.Add(time.Hour))
	exposed, err := store.ExposeReady(ctx, now, 10)
	if err != nil {
		t.Fatalf("expose: %v", err)
	}
	if len(exposed) != 1 || exposed[0].ID != ready {
		t.Fatalf("expected the ready auction exposed, got %v", exposed)
	}
	if exposed[0].Status != AuctionStatusRunning {
		t.Fatalf("expected RUNNING, got %s", exposed[0].Status)
	}

	// Expose holds the seller deposit: 5% of the 10000 start price.
	if !exposed[0].DepositAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected deposit 500, got %s", exposed[0].DepositAmount)
	}
	sellerWallet, err := store.GetWallet(ctx, seller)
	if err != nil {
		t.Fatalf("seller wallet: %v", err)
	}
	if !sellerWallet.Available.Equal(decimal.NewFromInt(9500)) || !sellerWallet.Locked.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 9500/500 after deposit hold, got %s/%s", sellerWallet.Available, sellerWallet.Locked)
	}

	// Inside the imminent window (6 minutes for test auctions).
	closing := createAuction(t, ctx, pool, seller, AuctionStatusRunning, now.Add(-time.Hour), now.Add(5*time.Minute))
	imminent, err := store.MarkImminent(ctx, now, 10)
	if err != nil {
		t.Fatalf("mark imminent: %v", err)
	}
	if len(imminent) != 1 || imminent[0].ID != closing {
		t.Fatalf("expected the closing auction marked, got %v", imminent)
	}

	// Overdue auctions end and finalize. Both carry a held 500 deposit,
	// mirrored into the wallet the way expose would have done it.
	winner := createUser(t, ctx, pool, 50000)
	overdue := createAuction(t, ctx, pool, seller, AuctionStatusRunning, now.Add(-2*time.Hour), now.Add(-time.Minute))
	if _, err := pool.Exec(ctx, `
		UPDATE auctions SET current_bidder_id = $1, current_price = 15000, bid_count = 3 WHERE id = $2
	`, winner, overdue); err != nil {
		t.Fatalf("set winner: %v", err)
	}
	noSale := createAuction(t, ctx, pool, seller, AuctionStatusRunning, now.Add(-2*time.Hour), now.Add(-time.Minute))
	for _, id := range []uuid.UUID{overdue, noSale} {
		if _, err := pool.Exec(ctx, `
			UPDATE auctions SET deposit_amount = 500 WHERE id = $1
		`, id); err != nil {
			t.Fatalf("set deposit amount: %v", err)
		}
		if _, err := pool.Exec(ctx, `
			UPDATE wallets SET available = available - 500, locked = locked + 500 WHERE user_id = $1
		`, seller); err != nil {
			t.Fatalf("mirror deposit hold: %v", err)
		}
	}

	ended, err := store.EndDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("end due: %v", err)
	}
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended, got %d", len(ended))
	}

	finalized, err := store.FinalizeEnded(ctx, 10)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(finalized) != 2 {
		t.Fatalf("expected 2 finalized, got %d", len(finalized))
	}
	for _, fin := range finalized {
		switch fin.Auction.ID {
		case overdue:
			if fin.Auction.Status != AuctionStatusSuccess {
				t.Fatalf("expected SUCCESS, got %s", fin.Auction.Status)
			}
			if fin.Order == nil || fin.Order.BuyerID != winner || !fin.Order.Amount.Equal(decimal.NewFromInt(15000)) {
				t.Fatalf("expected order for winner, got %+v", fin.Order)
			}
			if fin.Auction.DepositStatus != DepositStatusRefunded {
				t.Fatalf("expected deposit refunded on sale, got %s", fin.Auction.DepositStatus)
			}
		case noSale:
			if fin.Auction.Status != AuctionStatusFailed {
				t.Fatalf("expected FAILED, got %s", fin.Auction.Status)
			}
			if fin.Order != nil {
				t.Fatalf("expected no order for no-sale")
			}
			if fin.Auction.DepositStatus != DepositStatusForfeited {
				t.Fatalf("expected deposit forfeited on no-sale, got %s", fin.Auction.DepositStatus)
			}
		default:
			t.Fatalf("unexpected finalized auction %s", fin.Auction.ID)
		}
	}

	// SUCCESS returned its 500, FAILED forfeited its 500 to the platform.
	sellerWallet, err = store.GetWallet(ctx, seller)
	if err != nil {
		t.Fatalf("seller wallet: %v", err)
	}
	if !sellerWallet.Available.Equal(decimal.NewFromInt(9000)) || !sellerWallet.Locked.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 9000/500 after finalize, got %s/%s", sellerWallet.Available, sellerWallet.Locked)
	}

	var platformID uuid.UUID
	if err := pool.QueryRow(ctx, `
		SELECT id FROM users WHERE email = 'platform@system.local'
	`).Scan(&platformID); err != nil {
		t.Fatalf("platform account: %v", err)
	}
	platformWallet, err := store.GetWallet(ctx, platformID)
	if err != nil {
		t.Fatalf("platform wallet: %v", err)
	}
	if !platformWallet.Available.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected platform credited 500, got %s", platformWallet.Available)
	}

	var returns, forfeits int
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM wallet_transactions WHERE user_id = $1 AND tx_type = 'DEPOSIT_RETURN'
	`, seller).Scan(&returns); err != nil {
		t.Fatalf("count returns: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM wallet_transactions WHERE user_id = $1 AND tx_type = 'DEPOSIT_FORFEIT'
	`, seller).Scan(&forfeits); err != nil {
		t.Fatalf("count forfeits: %v", err)
	}
	if returns != 1 || forfeits != 1 {
		t.Fatalf("expected 1 return and 1 forfeit audit row, got %d/%d", returns, forfeits)
	}
}

func TestExposeAssignsImminentWindow(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	store = store.WithImminentBounds(7, 7)

	seller := createUser(t, ctx, pool, 10000)
	ready := createAuction(t, ctx, pool, seller, AuctionStatusReady, now.Add(-time.Minute), now.Add(time.Hour))
	if _, err := pool.Exec(ctx, `
		UPDATE auctions SET imminent_minutes = 0 WHERE id = $1
	`, ready); err != nil {
		t.Fatalf("clear window: %v", err)
	}

	exposed, err := store.ExposeReady(ctx, now, 10)
	if err != nil {
		t.Fatalf("expose: %v", err)
	}
	if len(exposed) != 1 {
		t.Fatalf("expected one exposed auction, got %d", len(exposed))
	}
	if exposed[0].ImminentMinutes != 7 {
		t.Fatalf("expected window 7 from configured bounds, got %d", exposed[0].ImminentMinutes)
	}

	// An auction that already carries a window keeps it.
	keep := createAuction(t, ctx, pool, seller, AuctionStatusReady, now.Add(-time.Minute), now.Add(time.Hour))
	exposed, err = store.ExposeReady(ctx, now, 10)
	if err != nil {
		t.Fatalf("expose: %v", err)
	}
	if len(exposed) != 1 || exposed[0].ID != keep {
		t.Fatalf("expected the second auction exposed, got %v", exposed)
	}
	if exposed[0].ImminentMinutes != 6 {
		t.Fatalf("expected window 6 kept, got %d", exposed[0].ImminentMinutes)
	}
}

func TestBlockAuction(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := createUser(t, ctx, pool, 0)
	running := createAuction(t, ctx, pool, seller, AuctionStatusRunning, now.Add(-time.Hour), now.Add(time.Hour))

	if err := store.BlockAuction(ctx, running, AuctionStatusTempBlocked); err != nil {
		t.Fatalf("temp block: %v", err)
	}
	auction, err := store.GetAuction(ctx, running)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if auction.Status != AuctionStatusTempBlocked {
		t.Fatalf("expected TEMP_BLOCKED, got %s", auction.Status)
	}

	// A temporary block may be escalated.
	if err := store.BlockAuction(ctx, running, AuctionStatusBlocked); err != nil {
		t.Fatalf("escalate block: %v", err)
	}
	auction, _ = store.GetAuction(ctx, running)
	if auction.Status != AuctionStatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", auction.Status)
	}

	// Terminal states are not blockable.
	if err := store.BlockAuction(ctx, running, AuctionStatusTempBlocked); !errors.Is(err, ErrNotBlockable) {
		t.Fatalf("expected ErrNotBlockable, got %v", err)
	}
	done := createAuction(t, ctx, pool, seller, AuctionStatusSuccess, now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err := store.BlockAuction(ctx, done, AuctionStatusBlocked); !errors.Is(err, ErrNotBlockable) {
		t.Fatalf("expected ErrNotBlockable, got %v", err)
	}

	if err := store.BlockAuction(ctx, running, AuctionStatusCanceled); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if err := store.BlockAuction(ctx, uuid.New(), AuctionStatusBlocked); !errors.Is(err, ErrAuctionNotFound) {
		t.Fatalf("expected ErrAuctionNotFound, got %v", err)
	}
}

func TestCancelAuction(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seller := createUser(t, ctx, pool, 0)
	stranger := createUser(t, ctx, pool, 0)
	ready := createAuction(t, ctx, pool, seller, AuctionStatusReady, now.Add(time.Hour), now.Add(2*time.Hour))

	if err := store.CancelAuction(ctx, ready, stranger); !errors.Is(err, ErrNotAuctionSeller) {
		t.Fatalf("expected ErrNotAuctionSeller, got %v", err)
	}

	if err := store.CancelAuction(ctx, ready, seller); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	auction, err := store.GetAuction(ctx, ready)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if auction.Status != AuctionStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", auction.Status)
	}

	// Once bidding has opened the auction is no longer cancelable.
	running := createAuction(t, ctx, pool, seller, AuctionStatusRunning, now.Add(-time.Hour), now.Add(time.Hour))
	if err := store.CancelAuction(ctx, running, seller); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable, got %v", err)
	}

	if err := store.CancelAuction(ctx, uuid.New(), seller); !errors.Is(err, ErrAuctionNotFound) {
		t.Fatalf("expected ErrAuctionNotFound, got %v", err)
	}
}

func TestReconcileBidInsufficientBalance(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	seller := createUser(t, ctx, pool, 0)
	bidder := createUser(t, ctx, pool, 1000)
	auctionID := createAuction(t, ctx, pool, seller, AuctionStatusRunning,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	_, err := store.ReconcileBid(ctx, BidRecord{
		RequestID: "req-" + uuid.NewString(), AuctionID: auctionID, BidderID: bidder,
		Amount: decimal.NewFromInt(11000), AcceptedAt: time.Now().UTC(),
	})
	if err == nil {
		t.Fatalf("expected insufficient balance error")
	}
}
