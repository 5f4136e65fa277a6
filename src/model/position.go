package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideLong = "long"

	IntentDay      = "day"
	IntentSwing    = "swing"
	IntentPosition = "position"
)

// PositionFields holds every column of an open position. It is embedded by the live
// Position and by CandidatePosition so both ledgers share one schema.
type PositionFields struct {
	Symbol        string          `gorm:"size:50;not null;index" json:"symbol"`
	Tag           string          `gorm:"size:64;not null" json:"tag"`
	Side          string          `gorm:"size:10;not null;default:long" json:"side"`
	Quantity      decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"quantity"`
	AvgEntryPrice decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"avg_entry_price"`
	EntryFees     decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"entry_fees"`
	StopLoss      decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"stop_loss"`
	TakeProfit    decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"take_profit"`
	Intent        string          `gorm:"size:20" json:"intent"`
	OpenedAt      time.Time       `gorm:"not null" json:"opened_at"`

	// MaxAdverseExcursion is the worst unrealized drawdown since open, as a fraction of
	// the average entry price. It only ever grows.
	MaxAdverseExcursion decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"max_adverse_excursion"`
	LastPrice           decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"last_price"`

	// Native bracket orders, empty when brackets are synthetic.
	StopOrderID       string `gorm:"size:100" json:"stop_order_id,omitempty"`
	TakeProfitOrderID string `gorm:"size:100" json:"take_profit_order_id,omitempty"`

	// PendingExit is set while an exit order is in flight outside the execution lock.
	PendingExit bool `gorm:"not null;default:false" json:"pending_exit"`
}

// CostBasis is what the position took out of cash: quantity at average entry plus entry fees.
func (p PositionFields) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AvgEntryPrice).Add(p.EntryFees)
}

// MarketValue values the position at its last observed price, falling back to entry.
func (p PositionFields) MarketValue() decimal.Decimal {
	price := p.LastPrice
	if !price.IsPositive() {
		price = p.AvgEntryPrice
	}
	return p.Quantity.Mul(price)
}

// Position is an open live position. Rows are deleted when the position closes; the
// Trade row is the permanent record.
type Position struct {
	ID             uint `gorm:"primaryKey" json:"id"`
	PositionFields `gorm:"embedded"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName pins the live positions table.
func (Position) TableName() string {
	return "positions"
}

// CandidatePosition is an open simulated position owned by one candidate run.
type CandidatePosition struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	CandidateSlot  int    `gorm:"not null;index" json:"candidate_slot"`
	RunID          string `gorm:"size:64;not null;index" json:"run_id"`
	PositionFields `gorm:"embedded"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (CandidatePosition) TableName() string {
	return "candidate_positions"
}
