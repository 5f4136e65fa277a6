package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SignalOutcomeApplied  = "applied"
	SignalOutcomeRejected = "rejected"
	SignalOutcomeFailed   = "failed"
)

// SignalFields records one decision emitted by a strategy, acted on or not.
type SignalFields struct {
	Source       string          `gorm:"size:30;not null" json:"source"`
	Action       string          `gorm:"size:20;not null" json:"action"`
	Symbol       string          `gorm:"size:50;not null;index" json:"symbol"`
	Tag          string          `gorm:"size:64" json:"tag"`
	SizeFraction decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"size_fraction"`
	Quantity     decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"quantity"`
	Price        decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"price"`
	StopLoss     decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"stop_loss"`
	TakeProfit   decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"take_profit"`
	Intent       string          `gorm:"size:20" json:"intent"`
	Outcome      string          `gorm:"size:20;not null;index" json:"outcome"`
	Reason       string          `gorm:"size:255" json:"reason"`
	CreatedAt    time.Time       `gorm:"index" json:"created_at"`
}

type Signal struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	SignalFields `gorm:"embedded"`
}

func (Signal) TableName() string {
	return "signals"
}

type CandidateSignal struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	CandidateSlot int    `gorm:"not null;index" json:"candidate_slot"`
	RunID         string `gorm:"size:64;not null;index" json:"run_id"`
	SignalFields  `gorm:"embedded"`
}

func (CandidateSignal) TableName() string {
	return "candidate_signals"
}
