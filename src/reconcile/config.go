package reconcile

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// StaleAfter is how old a reservation must be before a periodic pass recovers it.
	// Startup recovers every reservation regardless of age.
	StaleAfter time.Duration `envconfig:"RECONCILE_STALE_AFTER" default:"5m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
