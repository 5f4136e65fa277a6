package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DayLayout keys daily snapshots.
const DayLayout = "2006-01-02"

// SnapshotFields is one daily equity observation.
type SnapshotFields struct {
	Day          string          `gorm:"size:10;not null" json:"day"`
	Equity       decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"equity"`
	Cash         decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"cash"`
	OpenValue    decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"open_value"`
	PeakEquity   decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"peak_equity"`
	RealizedPnL  decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null" json:"realized_pnl"`
	OpenCount    int             `gorm:"not null;default:0" json:"open_count"`
	ClosedTrades int             `gorm:"not null;default:0" json:"closed_trades"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EquitySnapshot is the live portfolio's daily snapshot; Day is unique.
type EquitySnapshot struct {
	ID             uint `gorm:"primaryKey" json:"id"`
	SnapshotFields `gorm:"embedded"`
}

func (EquitySnapshot) TableName() string {
	return "equity_snapshots"
}

type CandidateSnapshot struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	CandidateSlot  int    `gorm:"not null;index" json:"candidate_slot"`
	RunID          string `gorm:"size:64;not null;index" json:"run_id"`
	SnapshotFields `gorm:"embedded"`
}

func (CandidateSnapshot) TableName() string {
	return "candidate_snapshots"
}
