package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrNotCancelable       = errors.New("auction is not cancelable")
	ErrNotAuctionSeller    = errors.New("only the seller may cancel")
	ErrNotBlockable        = errors.New("auction is not in a blockable state")
)

const (
	txTypeHold           = "HOLD"
	txTypeRelease        = "RELEASE"
	txTypeDepositLock    = "DEPOSIT_LOCK"
	txTypeDepositReturn  = "DEPOSIT_RETURN"
	txTypeDepositForfeit = "DEPOSIT_FORFEIT"

	referenceTypeBid     = "bid"
	referenceTypeDeposit = "deposit"

	platformEmail = "platform@system.local"
	platformLock  = "platform_account"
)

// depositCap bounds the seller deposit at 5% of the start price.
var (
	depositCap  = decimal.NewFromInt(1000)
	depositRate = decimal.RequireFromString("0.05")
)

func depositFor(startPrice decimal.Decimal) decimal.Decimal {
	dep := startPrice.Mul(depositRate).Floor()
	if dep.GreaterThan(depositCap) {
		return depositCap
	}
	return dep
}

type Store struct {
	pool        *pgxpool.Pool
	imminentMin int
	imminentMax int
	logger      *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, imminentMin: 5, imminentMax: 8, logger: logger}
}

// WithImminentBounds sets the randomized closing-window range assigned to
// auctions that reach expose without one.
func (s *Store) WithImminentBounds(minMinutes, maxMinutes int) *Store {
	if minMinutes > 0 && maxMinutes >= minMinutes {
		s.imminentMin = minMinutes
		s.imminentMax = maxMinutes
	}
	return s
}

func (s *Store) GetAuction(ctx context.Context, id uuid.UUID) (Auction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, seller_id, title, description, start_price::text, current_price::text,
		       current_bidder_id, bid_count, status, start_time, end_time, extended,
		       imminent_minutes, COALESCE(deposit_amount, 0)::text, deposit_status, created_at, updated_at
		FROM auctions
		WHERE id = $1
	`, id)
	auction, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Auction{}, ErrAuctionNotFound
	}
	return auction, err
}

func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (Wallet, error) {
	var w Wallet
	var availableStr, lockedStr string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, available::text, locked::text, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID)
	if err := row.Scan(&w.UserID, &availableStr, &lockedStr, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	var err error
	if w.Available, err = decimal.NewFromString(availableStr); err != nil {
		return Wallet{}, fmt.Errorf("parse available balance: %w", err)
	}
	if w.Locked, err = decimal.NewFromString(lockedStr); err != nil {
		return Wallet{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return w, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var user User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, status, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role, &user.Status, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ListBidders returns the distinct users who have bid on an auction.
func (s *Store) ListBidders(ctx context.Context, auctionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT bidder_id FROM bids WHERE auction_id = $1
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bidders []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		bidders = append(bidders, id)
	}
	return bidders, rows.Err()
}

// CancelAuction withdraws a listing before it goes live. Only the seller may
// cancel and only while the auction is still READY.
func (s *Store) CancelAuction(ctx context.Context, auctionID, sellerID uuid.UUID) error {
	auction, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	if auction.SellerID != sellerID {
		return ErrNotAuctionSeller
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE auctions
		SET status = $1, updated_at = now()
		WHERE id = $2 AND seller_id = $3 AND status = $4
	`, AuctionStatusCanceled, auctionID, sellerID, AuctionStatusReady)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotCancelable
	}
	return nil
}

// BlockAuction applies a moderation block. TEMP_BLOCKED and BLOCKED are
// accepted from any non-terminal state; a TEMP_BLOCKED auction may still be
// escalated to BLOCKED.
func (s *Store) BlockAuction(ctx context.Context, auctionID uuid.UUID, status string) error {
	if status != AuctionStatusTempBlocked && status != AuctionStatusBlocked {
		return fmt.Errorf("invalid moderation status %q", status)
	}
	if _, err := s.GetAuction(ctx, auctionID); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE auctions
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN ($3, $4, $5, $6)
	`, status, auctionID,
		AuctionStatusReady, AuctionStatusRunning, AuctionStatusDeadline, AuctionStatusTempBlocked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotBlockable
	}
	return nil
}

// BidExists reports whether a bid with the given request id was already
// written back. The pending sweep uses it to tell a lost write from a slow one.
func (s *Store) BidExists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM bids WHERE request_id = $1)
	`, requestID).Scan(&exists)
	return exists, err
}

// ReconcileBid writes an accepted bid back to the database in one
// transaction: the bid row, the auction snapshot, the bidder's hold and the
// previous leader's refund all land together or not at all. Replays of the
// same request id are detected up front and again via the unique constraint
// on bids.request_id, so a crash between insert and commit cannot
// double-apply wallet movements.
func (s *Store) ReconcileBid(ctx context.Context, rec BidRecord) (BidReconcileResult, error) {
	if rec.RequestID == "" {
		return BidReconcileResult{}, fmt.Errorf("request_id is required")
	}
	if rec.Amount.LessThanOrEqual(decimal.Zero) {
		return BidReconcileResult{}, fmt.Errorf("amount must be positive")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return BidReconcileResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := lockUsers(ctx, tx, rec.BidderID, rec.PreviousBidderID); err != nil {
		return BidReconcileResult{}, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM bids WHERE request_id = $1)
	`, rec.RequestID).Scan(&exists); err != nil {
		return BidReconcileResult{}, err
	}
	if exists {
		if err := tx.Commit(ctx); err != nil {
			return BidReconcileResult{}, err
		}
		committed = true
		return BidReconcileResult{AlreadyProcessed: true}, nil
	}

	bidID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO bids (id, auction_id, bidder_id, amount, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, bidID, rec.AuctionID, rec.BidderID, rec.Amount.String(), rec.RequestID, rec.AcceptedAt); err != nil {
		if isUniqueViolation(err) {
			return BidReconcileResult{AlreadyProcessed: true}, nil
		}
		return BidReconcileResult{}, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE auctions
		SET current_price = $1,
		    current_bidder_id = $2,
		    bid_count = bid_count + 1,
		    end_time = COALESCE($3, end_time),
		    extended = extended OR $4,
		    updated_at = now()
		WHERE id = $5
	`, rec.Amount.String(), rec.BidderID, rec.NewEndTime, rec.NewEndTime != nil, rec.AuctionID)
	if err != nil {
		return BidReconcileResult{}, err
	}
	if tag.RowsAffected() == 0 {
		return BidReconcileResult{}, ErrAuctionNotFound
	}

	if err := s.applyHold(ctx, tx, rec.BidderID, rec.Amount, rec.RequestID); err != nil {
		return BidReconcileResult{}, err
	}
	if rec.PreviousBidderID != nil && rec.RefundAmount.GreaterThan(decimal.Zero) {
		if err := s.applyRelease(ctx, tx, *rec.PreviousBidderID, rec.RefundAmount, rec.RequestID); err != nil {
			return BidReconcileResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BidReconcileResult{}, err
	}
	committed = true
	return BidReconcileResult{BidID: bidID}, nil
}

// ExposeReady promotes READY auctions whose start time has passed. Each
// promotion is its own transaction so the status flip and the seller's
// deposit hold land together.
func (s *Store) ExposeReady(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM auctions
		WHERE status = $1 AND start_time <= $2
		ORDER BY start_time
		LIMIT $3
	`, AuctionStatusReady, now, limit)
	if err != nil {
		return nil, err
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	var out []Auction
	for _, id := range ids {
		auction, err := s.exposeOne(ctx, id, now)
		if err != nil {
			s.logger.Error("expose auction failed", "auction_id", id, "error", err)
			continue
		}
		if auction != nil {
			out = append(out, *auction)
		}
	}
	return out, nil
}

func (s *Store) exposeOne(ctx context.Context, id uuid.UUID, now time.Time) (*Auction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// The status guard doubles as the claim: a racing instance sees zero
	// rows and moves on. Auctions that reach expose without a closing
	// window get one drawn from the configured range.
	row := tx.QueryRow(ctx, `
		UPDATE auctions
		SET status = $1,
		    deposit_status = $2,
		    imminent_minutes = CASE WHEN imminent_minutes > 0 THEN imminent_minutes
		                            ELSE $3 + floor(random() * $4)::int END,
		    updated_at = now()
		WHERE id = $5 AND status = $6 AND start_time <= $7
		RETURNING id, seller_id, title, description, start_price::text, current_price::text,
		          current_bidder_id, bid_count, status, start_time, end_time, extended,
		          imminent_minutes, COALESCE(deposit_amount, 0)::text, deposit_status, created_at, updated_at
	`, AuctionStatusRunning, DepositStatusHeld, s.imminentMin, s.imminentMax-s.imminentMin+1,
		id, AuctionStatusReady, now)
	auction, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := lockUsers(ctx, tx, auction.SellerID, nil); err != nil {
		return nil, err
	}
	held, err := s.applyDepositHold(ctx, tx, auction.SellerID, depositFor(auction.StartPrice), auction.ID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE auctions SET deposit_amount = $1 WHERE id = $2
	`, held.String(), auction.ID); err != nil {
		return nil, err
	}
	auction.DepositAmount = held

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return &auction, nil
}

// MarkImminent flips RUNNING auctions inside their closing window to
// DEADLINE and returns them so callers can fan out notifications. Each
// auction carries its own randomized window width.
func (s *Store) MarkImminent(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE auctions
		SET status = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM auctions
			WHERE status = $2
			  AND end_time - (imminent_minutes * interval '1 minute') <= $3
			ORDER BY end_time
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, seller_id, title, description, start_price::text, current_price::text,
		          current_bidder_id, bid_count, status, start_time, end_time, extended,
		          imminent_minutes, COALESCE(deposit_amount, 0)::text, deposit_status, created_at, updated_at
	`, AuctionStatusDeadline, AuctionStatusRunning, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuctions(rows)
}

// EndDue moves RUNNING and DEADLINE auctions past their end time to ENDED.
// The status guard in the WHERE clause makes the sweep safe to run from
// several instances at once.
func (s *Store) EndDue(ctx context.Context, now time.Time, limit int) ([]Auction, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE auctions
		SET status = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM auctions
			WHERE status IN ($2, $3) AND end_time <= $4
			ORDER BY end_time
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, seller_id, title, description, start_price::text, current_price::text,
		          current_bidder_id, bid_count, status, start_time, end_time, extended,
		          imminent_minutes, COALESCE(deposit_amount, 0)::text, deposit_status, created_at, updated_at
	`, AuctionStatusEnded, AuctionStatusRunning, AuctionStatusDeadline, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuctions(rows)
}

// FinalizeEnded resolves ENDED auctions: one with a leading bidder becomes
// SUCCESS and gets an order row, one without becomes FAILED. Finalization of
// each auction is its own transaction so a bad row cannot wedge the batch.
func (s *Store) FinalizeEnded(ctx context.Context, limit int) ([]FinalizedAuction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, seller_id, title, description, start_price::text, current_price::text,
		       current_bidder_id, bid_count, status, start_time, end_time, extended,
		       imminent_minutes, COALESCE(deposit_amount, 0)::text, deposit_status, created_at, updated_at
		FROM auctions
		WHERE status = $1
		ORDER BY end_time
		LIMIT $2
	`, AuctionStatusEnded, limit)
	if err != nil {
		return nil, err
	}
	auctions, err := collectAuctions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var out []FinalizedAuction
	for _, auction := range auctions {
		finalized, err := s.finalizeOne(ctx, auction)
		if err != nil {
			s.logger.Error("finalize auction failed", "auction_id", auction.ID, "error", err)
			continue
		}
		if finalized != nil {
			out = append(out, *finalized)
		}
	}
	return out, nil
}

func (s *Store) finalizeOne(ctx context.Context, auction Auction) (*FinalizedAuction, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	nextStatus := AuctionStatusFailed
	depositStatus := DepositStatusForfeited
	if auction.CurrentBidderID != nil {
		nextStatus = AuctionStatusSuccess
		depositStatus = DepositStatusRefunded
	}

	tag, err := tx.Exec(ctx, `
		UPDATE auctions
		SET status = $1, deposit_status = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, nextStatus, depositStatus, auction.ID, AuctionStatusEnded)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Another instance finalized it first.
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		committed = true
		return nil, nil
	}
	auction.Status = nextStatus
	auction.DepositStatus = depositStatus

	if auction.DepositAmount.GreaterThan(decimal.Zero) {
		if nextStatus == AuctionStatusSuccess {
			if err := lockUsers(ctx, tx, auction.SellerID, nil); err != nil {
				return nil, err
			}
			if err := s.returnDeposit(ctx, tx, auction.SellerID, auction.DepositAmount, auction.ID); err != nil {
				return nil, err
			}
		} else {
			platformID, err := s.getOrCreatePlatformAccount(ctx, tx)
			if err != nil {
				return nil, err
			}
			if err := lockUsers(ctx, tx, auction.SellerID, &platformID); err != nil {
				return nil, err
			}
			if err := s.forfeitDeposit(ctx, tx, auction.SellerID, platformID, auction.DepositAmount, auction.ID); err != nil {
				return nil, err
			}
		}
	}

	result := &FinalizedAuction{Auction: auction}
	if nextStatus == AuctionStatusSuccess {
		order := Order{
			ID:        uuid.New(),
			AuctionID: auction.ID,
			BuyerID:   *auction.CurrentBidderID,
			SellerID:  auction.SellerID,
			Amount:    auction.CurrentPrice,
			Status:    OrderStatusCompleted,
			CreatedAt: time.Now().UTC(),
		}
		// ON CONFLICT keeps a duplicate order from aborting the status
		// update when two instances race the same auction.
		tag, err := tx.Exec(ctx, `
			INSERT INTO orders (id, auction_id, buyer_id, seller_id, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (auction_id) DO NOTHING
		`, order.ID, order.AuctionID, order.BuyerID, order.SellerID, order.Amount.String(), order.Status, order.CreatedAt)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() > 0 {
			result.Order = &order
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return result, nil
}

// applyDepositHold locks the seller's deposit for a newly exposed auction.
// A seller short of the full amount is held for what is there; the listing
// still opens and the actual held amount is what later refunds or forfeits.
func (s *Store) applyDepositHold(ctx context.Context, tx pgx.Tx, sellerID uuid.UUID, required decimal.Decimal, auctionID uuid.UUID) (decimal.Decimal, error) {
	wallet, err := getWalletForUpdate(ctx, tx, sellerID)
	if err != nil {
		return decimal.Zero, err
	}
	hold := required
	if wallet.Available.LessThan(hold) {
		hold = wallet.Available
	}
	if hold.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	wallet.Available = wallet.Available.Sub(hold)
	wallet.Locked = wallet.Locked.Add(hold)
	if err := updateWallet(ctx, tx, wallet); err != nil {
		return decimal.Zero, err
	}
	return hold, insertWalletTx(ctx, tx, sellerID, txTypeDepositLock, hold, referenceTypeDeposit, auctionID.String())
}

func (s *Store) returnDeposit(ctx context.Context, tx pgx.Tx, sellerID uuid.UUID, amount decimal.Decimal, auctionID uuid.UUID) error {
	wallet, err := getWalletForUpdate(ctx, tx, sellerID)
	if err != nil {
		return err
	}
	release := amount
	if wallet.Locked.LessThan(release) {
		release = wallet.Locked
	}
	wallet.Locked = wallet.Locked.Sub(release)
	wallet.Available = wallet.Available.Add(release)
	if err := updateWallet(ctx, tx, wallet); err != nil {
		return err
	}
	return insertWalletTx(ctx, tx, sellerID, txTypeDepositReturn, release, referenceTypeDeposit, auctionID.String())
}

func (s *Store) forfeitDeposit(ctx context.Context, tx pgx.Tx, sellerID, platformID uuid.UUID, amount decimal.Decimal, auctionID uuid.UUID) error {
	wallet, err := getWalletForUpdate(ctx, tx, sellerID)
	if err != nil {
		return err
	}
	forfeit := amount
	if wallet.Locked.LessThan(forfeit) {
		forfeit = wallet.Locked
	}
	wallet.Locked = wallet.Locked.Sub(forfeit)
	if err := updateWallet(ctx, tx, wallet); err != nil {
		return err
	}
	if err := insertWalletTx(ctx, tx, sellerID, txTypeDepositForfeit, forfeit, referenceTypeDeposit, auctionID.String()); err != nil {
		return err
	}
	if forfeit.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	platform, err := getWalletForUpdate(ctx, tx, platformID)
	if err != nil {
		return err
	}
	platform.Available = platform.Available.Add(forfeit)
	if err := updateWallet(ctx, tx, platform); err != nil {
		return err
	}
	return insertWalletTx(ctx, tx, platformID, txTypeDepositForfeit, forfeit, referenceTypeDeposit, auctionID.String())
}

// getOrCreatePlatformAccount resolves the singleton fee account, creating it
// lazily under an advisory lock so racing instances converge on one row.
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
	return id, nil
}

func (s *Store) applyHold(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, referenceID string) error {
	wallet, err := getWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if wallet.Available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	wallet.Available = wallet.Available.Sub(amount)
	wallet.Locked = wallet.Locked.Add(amount)
	if err := updateWallet(ctx, tx, wallet); err != nil {
		return err
	}
	return insertWalletTx(ctx, tx, userID, txTypeHold, amount, referenceTypeBid, referenceID)
}

func (s *Store) applyRelease(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, referenceID string) error {
	wallet, err := getWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	release := amount
	if wallet.Locked.LessThan(release) {
		release = wallet.Locked
	}
	wallet.Locked = wallet.Locked.Sub(release)
	wallet.Available = wallet.Available.Add(release)
	if err := updateWallet(ctx, tx, wallet); err != nil {
		return err
	}
	return insertWalletTx(ctx, tx, userID, txTypeRelease, release, referenceTypeBid, referenceID)
}

// lockUsers takes per-user advisory locks in a canonical order so concurrent
// reconciliations touching the same wallets serialize without deadlocking.
func lockUsers(ctx context.Context, tx pgx.Tx, bidder uuid.UUID, previous *uuid.UUID) error {
	ids := []string{"user:" + bidder.String()}
	if previous != nil && *previous != bidder {
		ids = append(ids, "user:"+previous.String())
	}
	if len(ids) == 2 && ids[1] < ids[0] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	for _, id := range ids {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
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

	var w Wallet
	var availableStr, lockedStr string
	row := tx.QueryRow(ctx, `
		SELECT user_id, available::text, locked::text, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID)
	if err := row.Scan(&w.UserID, &availableStr, &lockedStr, &w.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	var err error
	if w.Available, err = decimal.NewFromString(availableStr); err != nil {
		return Wallet{}, fmt.Errorf("parse available balance: %w", err)
	}
	if w.Locked, err = decimal.NewFromString(lockedStr); err != nil {
		return Wallet{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return w, nil
}

func updateWallet(ctx context.Context, tx pgx.Tx, w Wallet) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets
		SET available = $1, locked = $2, updated_at = now()
		WHERE user_id = $3
	`, w.Available.String(), w.Locked.String(), w.UserID)
	return err
}

func insertWalletTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, txType string, amount decimal.Decimal, refType, refID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_transactions (id, user_id, tx_type, amount, reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, uuid.New(), userID, txType, amount.String(), refType, refID)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAuction(row scannable) (Auction, error) {
	var a Auction
	var startPriceStr, currentPriceStr, depositStr string
	err := row.Scan(
		&a.ID, &a.SellerID, &a.Title, &a.Description, &startPriceStr, &currentPriceStr,
		&a.CurrentBidderID, &a.BidCount, &a.Status, &a.StartTime, &a.EndTime, &a.Extended,
		&a.ImminentMinutes, &depositStr, &a.DepositStatus, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Auction{}, err
	}
	if a.StartPrice, err = decimal.NewFromString(startPriceStr); err != nil {
		return Auction{}, fmt.Errorf("parse start price: %w", err)
	}
	if a.CurrentPrice, err = decimal.NewFromString(currentPriceStr); err != nil {
		return Auction{}, fmt.Errorf("parse current price: %w", err)
	}
	if a.DepositAmount, err = decimal.NewFromString(depositStr); err != nil {
		return Auction{}, fmt.Errorf("parse deposit amount: %w", err)
	}
	return a, nil
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectAuctions(rows pgx.Rows) ([]Auction, error) {
	var out []Auction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, auction)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
