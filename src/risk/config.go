package risk

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	MaxTradePct          float64 `envconfig:"RISK_MAX_TRADE_PCT" default:"0.10"`
	MaxPositionPct       float64 `envconfig:"RISK_MAX_POSITION_PCT" default:"0.25"`
	MaxOpenPositions     int     `envconfig:"RISK_MAX_OPEN_POSITIONS" default:"8"`
	MaxDailyLossPct      float64 `envconfig:"RISK_MAX_DAILY_LOSS_PCT" default:"0.03"`
	MaxDrawdownPct       float64 `envconfig:"RISK_MAX_DRAWDOWN_PCT" default:"0.15"`
	MaxConsecutiveLosses int     `envconfig:"RISK_MAX_CONSECUTIVE_LOSSES" default:"5"` // 0 disables
	RollbackLossPct      float64 `envconfig:"RISK_ROLLBACK_LOSS_PCT" default:"0.08"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Limits converts the environment snapshot into decimal limits.
func (c Config) Limits() Limits {
	return Limits{
		MaxTradePct:          decimal.NewFromFloat(c.MaxTradePct),
		MaxPositionPct:       decimal.NewFromFloat(c.MaxPositionPct),
		MaxOpenPositions:     c.MaxOpenPositions,
		MaxDailyLossPct:      decimal.NewFromFloat(c.MaxDailyLossPct),
		MaxDrawdownPct:       decimal.NewFromFloat(c.MaxDrawdownPct),
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		RollbackLossPct:      decimal.NewFromFloat(c.RollbackLossPct),
	}
}
