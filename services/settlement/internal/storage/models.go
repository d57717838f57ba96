package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OrderStatusCompleted = "COMPLETED"
	OrderStatusSettled   = "SETTLED"

	UserStatusActive = "ACTIVE"

	SettlementStatusCompleted = "COMPLETED"
)

type Order struct {
	ID        uuid.UUID
	AuctionID uuid.UUID
	BuyerID   uuid.UUID
	SellerID  uuid.UUID
	Amount    decimal.Decimal
	Status    string
	CreatedAt time.Time
}

type Wallet struct {
	UserID    uuid.UUID
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Settlement records one finished payout split. One row per order, enforced
// by the order_id unique constraint.
type Settlement struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	PlatformID  uuid.UUID
	GrossAmount decimal.Decimal
	FeeAmount   decimal.Decimal
	NetAmount   decimal.Decimal
	Status      string
	CompletedAt time.Time
}

// SettleResult reports what the settlement attempt actually did.
type SettleResult struct {
	Settlement       Settlement
	AlreadyProcessed bool
}
