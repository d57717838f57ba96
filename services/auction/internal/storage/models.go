package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Auction lifecycle states. A row only moves forward through these.
const (
	AuctionStatusReady    = "READY"
	AuctionStatusRunning  = "RUNNING"
	AuctionStatusDeadline = "DEADLINE"
	AuctionStatusEnded    = "ENDED"
	AuctionStatusSuccess  = "SUCCESS"
	AuctionStatusFailed   = "FAILED"
	AuctionStatusCanceled = "CANCELED"

	// Moderation states. TEMP_BLOCKED may be lifted, BLOCKED is terminal.
	AuctionStatusTempBlocked = "TEMP_BLOCKED"
	AuctionStatusBlocked     = "BLOCKED"
)

// Seller deposit states. The deposit is held while the auction is live,
// returned on a sale and forfeited on a no-sale.
const (
	DepositStatusHeld      = "HELD"
	DepositStatusRefunded  = "REFUNDED"
	DepositStatusForfeited = "FORFEITED"
)

const UserStatusActive = "ACTIVE"

const (
	OrderStatusCompleted = "COMPLETED"
	OrderStatusSettled   = "SETTLED"
)

type User struct {
	ID          uuid.UUID
	Email       string
	DisplayName string
	Role        string
	Status      string
	CreatedAt   time.Time
}

type Auction struct {
	ID              uuid.UUID
	SellerID        uuid.UUID
	Title           string
	Description     string
	StartPrice      decimal.Decimal
	CurrentPrice    decimal.Decimal
	CurrentBidderID *uuid.UUID
	BidCount        int
	Status          string
	StartTime       time.Time
	EndTime         time.Time
	Extended        bool
	ImminentMinutes int
	DepositAmount   decimal.Decimal
	DepositStatus   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Bid struct {
	ID        uuid.UUID
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    decimal.Decimal
	RequestID string
	CreatedAt time.Time
}

type Wallet struct {
	UserID    uuid.UUID
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

type WalletTransaction struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TxType        string
	Amount        decimal.Decimal
	ReferenceType string
	ReferenceID   string
	CreatedAt     time.Time
}

type Order struct {
	ID        uuid.UUID
	AuctionID uuid.UUID
	BuyerID   uuid.UUID
	SellerID  uuid.UUID
	Amount    decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// BidRecord is the durable write-back of an accepted bid.
type BidRecord struct {
	RequestID        string
	AuctionID        uuid.UUID
	BidderID         uuid.UUID
	Amount           decimal.Decimal
	PreviousBidderID *uuid.UUID
	RefundAmount     decimal.Decimal
	NewEndTime       *time.Time
	AcceptedAt       time.Time
}

// BidReconcileResult reports what the durable write actually did.
type BidReconcileResult struct {
	BidID            uuid.UUID
	AlreadyProcessed bool
}

// FinalizedAuction is an ended auction resolved to a terminal state.
type FinalizedAuction struct {
	Auction Auction
	Order   *Order
}
