package storage

import (
	"context"
	"errors"
	"os"
	"testing"

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

	feeRate, _ := decimal.NewFromString("0.10")
	return New(pool, feeRate, nil), pool
}

func createUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, status string, available, locked int64) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO users (id, email, display_name, role, status, created_at)
		VALUES ($1, $2, 'test user', 'user', $3, now())
	`, userID, userID.String()+"@test.local", status); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO wallets (user_id, available, locked, updated_at)
		VALUES ($1, $2, $3, now())
	`, userID, available, locked); err != nil {
		t.Fatalf("insert wallet: %v", err)
	}
	return userID
}

func createOrder(t *testing.T, ctx context.Context, pool *pgxpool.Pool, buyer, seller uuid.UUID, amount int64, status string) uuid.UUID {
	t.Helper()
	orderID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO orders (id, auction_id, buyer_id, seller_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, orderID, uuid.New(), buyer, seller, amount, status); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return orderID
}

func walletBalances(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) (available, locked decimal.Decimal) {
	t.Helper()
	var availableStr, lockedStr string
	if err := pool.QueryRow(ctx, `
		SELECT available::text, locked::text FROM wallets WHERE user_id = $1
	`, userID).Scan(&availableStr, &lockedStr); err != nil {
		t.Fatalf("read wallet: %v", err)
	}
	available, _ = decimal.NewFromString(availableStr)
	locked, _ = decimal.NewFromString(lockedStr)
	return available, locked
}

func TestSettleOrderSplitsFunds(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	buyer := createUser(t, ctx, pool, "ACTIVE", 0, 12345)
	seller := createUser(t, ctx, pool, "ACTIVE", 0, 0)
	orderID := createOrder(t, ctx, pool, buyer, seller, 12345, OrderStatusCompleted)

	result, err := store.SettleOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.AlreadyProcessed {
		t.Fatal("first settle reported as replay")
	}
	if got := result.Settlement.FeeAmount.String(); got != "1234" {
		t.Fatalf("fee = %s, want 1234", got)
	}
	if got := result.Settlement.NetAmount.String(); got != "11111" {
		t.Fatalf("net = %s, want 11111", got)
	}

	available, locked := walletBalances(t, ctx, pool, buyer)
	if !available.IsZero() || !locked.IsZero() {
		t.Fatalf("buyer wallet = %s/%s, want 0/0", available, locked)
	}
	available, _ = walletBalances(t, ctx, pool, seller)
	if available.String() != "11111" {
		t.Fatalf("seller available = %s, want 11111", available)
	}
	available, _ = walletBalances(t, ctx, pool, result.Settlement.PlatformID)
	if available.String() != "1234" {
		t.Fatalf("platform available = %s, want 1234", available)
	}

	var orderStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&orderStatus); err != nil {
		t.Fatalf("read order: %v", err)
	}
	if orderStatus != OrderStatusSettled {
		t.Fatalf("order status = %s, want %s", orderStatus, OrderStatusSettled)
	}
}

func TestSettleOrderReplayMovesNothing(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	buyer := createUser(t, ctx, pool, "ACTIVE", 0, 20000)
	seller := createUser(t, ctx, pool, "ACTIVE", 0, 0)
	orderID := createOrder(t, ctx, pool, buyer, seller, 20000, OrderStatusCompleted)

	first, err := store.SettleOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := store.SettleOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !second.AlreadyProcessed {
		t.Fatal("second settle not reported as replay")
	}
	if second.Settlement.ID != first.Settlement.ID {
		t.Fatalf("replay returned a different settlement: %s vs %s", second.Settlement.ID, first.Settlement.ID)
	}

	var settlementCount int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM settlements WHERE order_id = $1
	`, orderID).Scan(&settlementCount); err != nil {
		t.Fatalf("count settlements: %v", err)
	}
	if settlementCount != 1 {
		t.Fatalf("settlement rows = %d, want 1", settlementCount)
	}

	available, _ := walletBalances(t, ctx, pool, seller)
	if available.String() != "18000" {
		t.Fatalf("seller available = %s, want 18000", available)
	}

	var txCount int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM wallet_transactions WHERE reference_id = $1
	`, orderID.String()).Scan(&txCount); err != nil {
		t.Fatalf("count wallet transactions: %v", err)
	}
	if txCount != 3 {
		t.Fatalf("wallet transactions = %d, want 3", txCount)
	}
}

func TestSettleOrderPreconditions(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	if _, err := store.SettleOrder(ctx, uuid.New()); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("missing order: err = %v, want ErrOrderNotFound", err)
	}

	buyer := createUser(t, ctx, pool, "ACTIVE", 0, 10000)
	seller := createUser(t, ctx, pool, "ACTIVE", 0, 0)

	canceled := createOrder(t, ctx, pool, buyer, seller, 10000, "CANCELED")
	if _, err := store.SettleOrder(ctx, canceled); !errors.Is(err, ErrInvalidOrderStatus) {
		t.Fatalf("canceled order: err = %v, want ErrInvalidOrderStatus", err)
	}

	zeroAmount := createOrder(t, ctx, pool, buyer, seller, 0, OrderStatusCompleted)
	if _, err := store.SettleOrder(ctx, zeroAmount); !errors.Is(err, ErrInvalidOrderAmount) {
		t.Fatalf("zero amount: err = %v, want ErrInvalidOrderAmount", err)
	}

	blockedBuyer := createUser(t, ctx, pool, "BLOCKED", 0, 10000)
	blockedOrder := createOrder(t, ctx, pool, blockedBuyer, seller, 10000, OrderStatusCompleted)
	if _, err := store.SettleOrder(ctx, blockedOrder); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("blocked buyer: err = %v, want ErrUserNotFound", err)
	}
}

func TestSettleOrderReusesPlatformAccount(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()

	buyer := createUser(t, ctx, pool, "ACTIVE", 0, 30000)
	seller := createUser(t, ctx, pool, "ACTIVE", 0, 0)

	first, err := store.SettleOrder(ctx, createOrder(t, ctx, pool, buyer, seller, 10000, OrderStatusCompleted))
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := store.SettleOrder(ctx, createOrder(t, ctx, pool, buyer, seller, 20000, OrderStatusCompleted))
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if first.Settlement.PlatformID != second.Settlement.PlatformID {
		t.Fatal("platform account recreated between settlements")
	}

	available, _ := walletBalances(t, ctx, pool, first.Settlement.PlatformID)
	if available.String() != "3000" {
		t.Fatalf("platform available = %s, want 3000", available)
	}
}
