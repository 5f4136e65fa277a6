package engine

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	CandidatePeriod time.Duration `envconfig:"CANDIDATE_PERIOD" default:"1m"`
	PurgePeriod     time.Duration `envconfig:"CANDIDATE_PURGE_PERIOD" default:"1h"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
