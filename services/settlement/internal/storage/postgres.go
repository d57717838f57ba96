// Package storage settles completed orders against wallets in a single
// transaction. The settlements.order_id unique constraint is the durable
// idempotency backstop, so a replayed settlement never moves money twice.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	txTypeSettlementRelease = "SETTLEMENT_RELEASE"
	txTypeSettlementPayout  = "SETTLEMENT_PAYOUT"
	txTypeSettlementFee     = "SETTLEMENT_FEE"

	referenceTypeSettlement = "settlement"

	platformEmail = "platform@system.local"
	platformLock  = "platform_account"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidOrderStatus = errors.New("order status does not allow settlement")
	ErrInvalidOrderAmount = errors.New("order amount must be positive")
	ErrUserNotFound       = errors.New("user not found or not active")
)

type Store struct {
	pool    *pgxpool.Pool
	feeRate decimal.Decimal
	logger  *slog.Logger
}

func New(pool *pgxpool.Pool, feeRate decimal.Decimal, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, feeRate: feeRate, logger: logger}
}

// SettleOrder releases the buyer's held funds and splits them between the
// seller and the platform fee account. Replays are no-ops.
func (s *Store) SettleOrder(ctx context.Context, orderID uuid.UUID) (SettleResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettleResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return SettleResult{}, err
	}

	if order.Status == OrderStatusSettled {
		existing, err := getSettlementByOrder(ctx, tx, orderID)
		if err != nil {
			return SettleResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return SettleResult{}, err
		}
		committed = true
		return SettleResult{Settlement: existing, AlreadyProcessed: true}, nil
	}
	if order.Status != OrderStatusCompleted {
		return SettleResult{}, ErrInvalidOrderStatus
	}
	if order.Amount.LessThanOrEqual(decimal.Zero) {
		return SettleResult{}, ErrInvalidOrderAmount
	}
	if err := checkUserActive(ctx, tx, order.BuyerID); err != nil {
		return SettleResult{}, err
	}

	platformID, err := s.getOrCreatePlatformAccount(ctx, tx)
	if err != nil {
		return SettleResult{}, err
	}

	if err := lockUsers(ctx, tx, order.BuyerID, order.SellerID, platformID); err != nil {
		return SettleResult{}, err
	}

	gross := order.Amount
	fee := gross.Mul(s.feeRate).Floor()
	net := gross.Sub(fee)

	settlement := Settlement{
		ID:          uuid.New(),
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		PlatformID:  platformID,
		GrossAmount: gross,
		FeeAmount:   fee,
		NetAmount:   net,
		Status:      SettlementStatusCompleted,
		CompletedAt: time.Now().UTC(),
	}

	// ON CONFLICT keeps a concurrent settle from aborting the transaction.
	// Zero rows means someone else won; their row is the settlement.
	tag, err := tx.Exec(ctx, `
		INSERT INTO settlements (id, order_id, buyer_id, seller_id, platform_id,
			gross_amount, fee_amount, net_amount, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING
	`, settlement.ID, settlement.OrderID, settlement.BuyerID, settlement.SellerID,
		settlement.PlatformID, gross.String(), fee.String(), net.String(),
		settlement.Status, settlement.CompletedAt)
	if err != nil {
		return SettleResult{}, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := getSettlementByOrder(ctx, tx, orderID)
		if err != nil {
			return SettleResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return SettleResult{}, err
		}
		committed = true
		return SettleResult{Settlement: existing, AlreadyProcessed: true}, nil
	}

	refID := order.ID.String()
	if err := s.releaseLocked(ctx, tx, order.BuyerID, gross, refID); err != nil {
		return SettleResult{}, err
	}
	if err := s.creditAvailable(ctx, tx, order.SellerID, net, txTypeSettlementPayout, refID); err != nil {
		return SettleResult{}, err
	}
	if fee.GreaterThan(decimal.Zero) {
		if err := s.creditAvailable(ctx, tx, platformID, fee, txTypeSettlementFee, refID); err != nil {
			return SettleResult{}, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = now() WHERE id = $2
	`, OrderStatusSettled, order.ID); err != nil {
		return SettleResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, err
	}
	committed = true
	return SettleResult{Settlement: settlement}, nil
}

func (s *Store) GetSettlement(ctx context.Context, orderID uuid.UUID) (Settlement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return getSettlementByOrder(ctx, tx, orderID)
}

func getOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (Order, error) {
	var order Order
	var amountStr string
	row := tx.QueryRow(ctx, `
		SELECT id, auction_id, buyer_id, seller_id, amount::text, status, created_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID)
	if err := row.Scan(&order.ID, &order.AuctionID, &order.BuyerID, &order.SellerID,
		&amountStr, &order.Status, &order.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	var err error
	order.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return Order{}, fmt.Errorf("parse order amount: %w", err)
	}
	return order, nil
}

func getSettlementByOrder(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (Settlement, error) {
	var st Settlement
	var grossStr, feeStr, netStr string
	row := tx.QueryRow(ctx, `
		SELECT id, order_id, buyer_id, seller_id, platform_id,
			gross_amount::text, fee_amount::text, net_amount::text, status, completed_at
		FROM settlements
		WHERE order_id = $1
	`, orderID)
	if err := row.Scan(&st.ID, &st.OrderID, &st.BuyerID, &st.SellerID, &st.PlatformID,
		&grossStr, &feeStr, &netStr, &st.Status, &st.CompletedAt); err != nil {
		return Settlement{}, err
	}
	var err error
	if st.GrossAmount, err = decimal.NewFromString(grossStr); err != nil {
		return Settlement{}, fmt.Errorf("parse gross amount: %w", err)
	}
	if st.FeeAmount, err = decimal.NewFromString(feeStr); err != nil {
		return Settlement{}, fmt.Errorf("parse fee amount: %w", err)
	}
	if st.NetAmount, err = decimal.NewFromString(netStr); err != nil {
		return Settlement{}, fmt.Errorf("parse net amount: %w", err)
	}
	return st, nil
}

func checkUserActive(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	var status string
	if err := tx.QueryRow(ctx, `
		SELECT status FROM users WHERE id = $1
	`, userID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}
	if status != UserStatusActive {
		return ErrUserNotFound
	}
	return nil
}

// getOrCreatePlatformAccount resolves the singleton fee account, creating the
// user and wallet rows on first use under a dedicated advisory lock.
func (s *Store) getOrCreatePlatformAccount(ctx context.Context, tx pgx.Tx) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id FROM users WHERE email = $1
	`, platformEmail).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, platformLock); err != nil {
		return uuid.Nil, err
	}
	// Another transaction may have created it while we waited.
	err = tx.QueryRow(ctx, `
		SELECT id FROM users WHERE email = $1
	`, platformEmail).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, err
	}

	id = uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, email, display_name, role, status, created_at)
		VALUES ($1, $2, 'Platform', 'system', 'system', now())
	`, id, platformEmail); err != nil {
		return uuid.Nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, available, locked, updated_at)
		VALUES ($1, 0, 0, now())
	`, id); err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("platform account created", "user_id", id)
	return id, nil
}

func (s *Store) releaseLocked(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, referenceID string) error {
	wallet, err := getWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	release := amount
	if wallet.Locked.LessThan(release) {
		release = wallet.Locked
	}
	wallet.Locked = wallet.Locked.Sub(release)
	if err := updateWallet(ctx, tx, wallet); err != nil {
		return err
	}
	return insertWalletTx(ctx, tx, userID, txTypeSettlementRelease, release, referenceID)
}

func (s *Store) creditAvailable(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, txType, referenceID string) error {
	wallet, err := getWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	wallet.Available = wallet.Available.Add(amount)
	if err := updateWallet(ctx, tx, wallet); err != nil {
		return err
	}
	return insertWalletTx(ctx, tx, userID, txType, amount, referenceID)
}

// lockUsers takes per-user advisory locks in a canonical order so concurrent
// settlements touching the same wallets serialize without deadlocking.
func lockUsers(ctx context.Context, tx pgx.Tx, users ...uuid.UUID) error {
	keys := make([]string, 0, len(users))
	seen := make(map[uuid.UUID]struct{}, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		keys = append(keys, "user:"+u.String())
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}
	}
	return nil
}

func getWalletForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (Wallet, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, available, locked, updated_at)
		VALUES ($1, 0, 0, now())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return Wallet{}, err
	}

	var wallet Wallet
	var availableStr, lockedStr string
	row := tx.QueryRow(ctx, `
		SELECT user_id, available::text, locked::text, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	if err := row.Scan(&wallet.UserID, &availableStr, &lockedStr, &wallet.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	var err error
	if wallet.Available, err = decimal.NewFromString(availableStr); err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	if wallet.Locked, err = decimal.NewFromString(lockedStr); err != nil {
		return Wallet{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return wallet, nil
}

func updateWallet(ctx context.Context, tx pgx.Tx, wallet Wallet) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET available = $1, locked = $2, updated_at = now()
		WHERE user_id = $3
	`, wallet.Available.String(), wallet.Locked.String(), wallet.UserID)
	return err
}

func insertWalletTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, txType string, amount decimal.Decimal, refID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, user_id, tx_type, amount, reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, uuid.New(), userID, txType, amount.String(), referenceTypeSettlement, refID)
	return err
}
