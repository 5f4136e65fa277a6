package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CapitalDeposit    = "deposit"
	CapitalWithdrawal = "withdrawal"
)

// FundSettings is a single row holding the starting capital. It is written once and
// only changed by recording a CapitalEvent.
type FundSettings struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	StartingCapital decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"starting_capital"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (FundSettings) TableName() string {
	return "fund_settings"
}

// CapitalEvent is an explicit deposit or withdrawal. Amount is always positive.
type CapitalEvent struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Kind      string          `gorm:"size:20;not null" json:"kind"`
	Amount    decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"amount"`
	Note      string          `gorm:"size:255" json:"note"`
	CreatedAt time.Time       `json:"created_at"`
}

func (CapitalEvent) TableName() string {
	return "capital_events"
}

// Signed returns the cash effect of the event.
func (e CapitalEvent) Signed() decimal.Decimal {
	if e.Kind == CapitalWithdrawal {
		return e.Amount.Neg()
	}
	return e.Amount
}
