package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CloseReasonSignal     = "signal"
	CloseReasonStop       = "stop"
	CloseReasonTakeProfit = "take_profit"
	CloseReasonEmergency  = "emergency"
	CloseReasonManual     = "manual"
)

// TradeFields is the immutable record of one closed position.
type TradeFields struct {
	Symbol              string          `gorm:"size:50;not null;index" json:"symbol"`
	Tag                 string          `gorm:"size:64;not null" json:"tag"`
	Side                string          `gorm:"size:10;not null;default:long" json:"side"`
	Intent              string          `gorm:"size:20" json:"intent"`
	Quantity            decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"quantity"`
	EntryPrice          decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"entry_price"`
	ExitPrice           decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"exit_price"`
	OpenedAt            time.Time       `gorm:"not null" json:"opened_at"`
	ClosedAt            time.Time       `gorm:"not null;index" json:"closed_at"`
	GrossPnL            decimal.Decimal `gorm:"column:gross_pnl;type:numeric(30,10);not null" json:"gross_pnl"`
	Fees                decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"fees"`
	NetPnL              decimal.Decimal `gorm:"column:net_pnl;type:numeric(30,10);not null" json:"net_pnl"`
	CloseReason         string          `gorm:"size:20;not null" json:"close_reason"`
	MaxAdverseExcursion decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"max_adverse_excursion"`
}

// Trade is written exactly once when a live position closes and never updated.
type Trade struct {
	ID          uint `gorm:"primaryKey" json:"id"`
	TradeFields `gorm:"embedded"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Trade) TableName() string {
	return "trades"
}

// CandidateTrade is a closed simulated position of a candidate run.
type CandidateTrade struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	CandidateSlot int    `gorm:"not null;index" json:"candidate_slot"`
	RunID         string `gorm:"size:64;not null;index" json:"run_id"`
	TradeFields   `gorm:"embedded"`
	CreatedAt     time.Time `json:"created_at"`
}

func (CandidateTrade) TableName() string {
	return "candidate_trades"
}
