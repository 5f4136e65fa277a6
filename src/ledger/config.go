package ledger

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	BracketSynthetic = "synthetic"
	BracketNative    = "native"
)

type Config struct {
	StartingCapital float64 `envconfig:"STARTING_CAPITAL" default:"10000"`
	FeeRate         float64 `envconfig:"FEE_RATE" default:"0.001"`
	SlippagePct     float64 `envconfig:"SLIPPAGE_PCT" default:"0.0005"`
	BracketMode     string  `envconfig:"BRACKET_MODE" default:"synthetic"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	if config.BracketMode != BracketSynthetic && config.BracketMode != BracketNative {
		panic(fmt.Errorf("BRACKET_MODE must be %q or %q, got %q", BracketSynthetic, BracketNative, config.BracketMode))
	}
	return config
}

func (c Config) Fee() decimal.Decimal      { return decimal.NewFromFloat(c.FeeRate) }
func (c Config) Slippage() decimal.Decimal { return decimal.NewFromFloat(c.SlippagePct) }
func (c Config) Starting() decimal.Decimal { return decimal.NewFromFloat(c.StartingCapital) }
func (c Config) Native() bool              { return c.BracketMode == BracketNative }
