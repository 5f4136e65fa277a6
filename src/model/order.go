package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderPurposeEntry = "entry"
	OrderPurposeExit  = "exit"

	OrderSideBuy  = "buy"
	OrderSideSell = "sell"

	// OrderStatusReserved means the ledger accepted the intent and holds its exposure,
	// but the exchange has not confirmed anything yet.
	OrderStatusReserved = "reserved"
	OrderStatusFilled   = "filled"
	OrderStatusFailed   = "failed"
	OrderStatusAborted  = "aborted"
)

// PendingOrder correlates a ledger intent with the exchange order placed for it. It is
// written inside the execution lock before the exchange is contacted, so a crash in
// between leaves a row that startup recovery can resolve by client order id.
type PendingOrder struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	ClientOrderID   string          `gorm:"size:64;not null;uniqueIndex" json:"client_order_id"`
	ExchangeOrderID string          `gorm:"size:100;index" json:"exchange_order_id"`
	Purpose         string          `gorm:"size:10;not null" json:"purpose"`
	Side            string          `gorm:"size:10;not null" json:"side"`
	Symbol          string          `gorm:"size:50;not null;index" json:"symbol"`
	Tag             string          `gorm:"size:64;not null" json:"tag"`
	PositionID      *uint           `gorm:"index" json:"position_id,omitempty"`
	Quantity        decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"quantity"`
	ReferencePrice  decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"reference_price"`
	StopLoss        decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"stop_loss"`
	TakeProfit      decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"take_profit"`
	Intent          string          `gorm:"size:20" json:"intent"`
	CloseReason     string          `gorm:"size:20" json:"close_reason,omitempty"`
	Trigger         string          `gorm:"size:30;not null" json:"trigger"`
	Status          string          `gorm:"size:20;not null;default:reserved;index" json:"status"`
	Reason          string          `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (PendingOrder) TableName() string {
	return "pending_orders"
}

// Notional is the reserved exposure of the order at its reference price.
func (o PendingOrder) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.ReferencePrice)
}
