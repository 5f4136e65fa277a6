package loader

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	StrategyPath    string        `envconfig:"STRATEGY_PATH" default:"modules/strategy.go"`
	AnalysisPath    string        `envconfig:"ANALYSIS_PATH" default:"modules/analysis.go"`
	StrategyTimeout time.Duration `envconfig:"STRATEGY_TIMEOUT" default:"5s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
