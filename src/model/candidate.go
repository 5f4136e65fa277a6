package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CandidateStatusActive   = "active"
	CandidateStatusCanceled = "canceled"
	CandidateStatusPromoted = "promoted"

	PromotionModeKeep     = "keep"
	PromotionModeCloseAll = "close_all"

	MinCandidateSlot = 1
	MaxCandidateSlot = 3
)

// Candidate is the lifecycle metadata of a slot. Creating a candidate in an occupied
// slot overwrites this row; simulated rows are keyed by RunID and survive.
type Candidate struct {
	Slot             int             `gorm:"primaryKey;autoIncrement:false" json:"slot"`
	RunID            string          `gorm:"size:64;not null;uniqueIndex" json:"run_id"`
	Status           string          `gorm:"size:20;not null;index" json:"status"`
	Version          string          `gorm:"size:100;not null" json:"version"`
	Code             string          `gorm:"type:text;not null" json:"-"`
	Rationale        string          `gorm:"type:text" json:"rationale"`
	StartingEquity   decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"starting_equity"`
	StartingCash     decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"starting_cash"`
	// SeededCost is the cost basis of the live positions copied in at creation.
	SeededCost       decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"seeded_cost"`
	PromotionMode    string          `gorm:"size:20" json:"promotion_mode,omitempty"`
	ResolutionReason string          `gorm:"size:255" json:"resolution_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}

func (Candidate) TableName() string {
	return "candidates"
}

// CandidateRun is the append-only history of every run ever started in a slot. Purging
// of canceled runs is driven from here, since the Candidate row may be overwritten.
type CandidateRun struct {
	RunID      string     `gorm:"primaryKey;size:64" json:"run_id"`
	Slot       int        `gorm:"not null;index" json:"slot"`
	Version    string     `gorm:"size:100;not null" json:"version"`
	Status     string     `gorm:"size:20;not null;index" json:"status"`
	Reason     string     `gorm:"size:255" json:"reason,omitempty"`
	Purged     bool       `gorm:"not null;default:false" json:"purged"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `gorm:"index" json:"resolved_at,omitempty"`
}

func (CandidateRun) TableName() string {
	return "candidate_runs"
}
