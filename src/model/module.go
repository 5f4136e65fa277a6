package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ModuleKindStrategy = "strategy"
	ModuleKindAnalysis = "analysis"

	ModuleStatusDeployed   = "deployed"
	ModuleStatusRolledBack = "rolled_back"

	ModuleSourceFilesystem = "filesystem"
	ModuleSourcePromotion  = "promotion"
	ModuleSourceOperator   = "operator"
	ModuleSourceRollback   = "rollback"
)

// DeployedModule is one deployment of a code unit. The newest row with status deployed
// is the last known good version for its kind.
type DeployedModule struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Kind           string          `gorm:"size:20;not null;index" json:"kind"`
	Version        string          `gorm:"size:100;not null" json:"version"`
	Hash           string          `gorm:"size:64;not null;index" json:"hash"`
	Code           string          `gorm:"type:text;not null" json:"-"`
	Rationale      string          `gorm:"type:text" json:"rationale,omitempty"`
	Source         string          `gorm:"size:20;not null" json:"source"`
	Status         string          `gorm:"size:20;not null;index" json:"status"`
	EquityAtDeploy decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"equity_at_deploy"`
	DeployedAt     time.Time       `gorm:"not null;index" json:"deployed_at"`
}

func (DeployedModule) TableName() string {
	return "deployed_modules"
}

const (
	HaltStateActive = "active"
	HaltStateHalted = "halted"
)

// HaltEvent audits every transition of the process-wide halt state.
type HaltEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	State     string    `gorm:"size:20;not null" json:"state"`
	Reason    string    `gorm:"size:255" json:"reason"`
	Rollback  bool      `gorm:"not null;default:false" json:"rollback"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (HaltEvent) TableName() string {
	return "halt_events"
}
