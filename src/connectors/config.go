package connectors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	VenuePaper = "paper"
	VenueRest  = "rest"
)

type Config struct {
	Exchange  string        `envconfig:"EXCHANGE" default:"paper"`
	BaseURL   string        `envconfig:"EXCHANGE_BASE_URL" default:""`
	APIKey    string        `envconfig:"EXCHANGE_API_KEY" default:""`
	APISecret string        `envconfig:"EXCHANGE_API_SECRET" default:""`
	Timeout   time.Duration `envconfig:"EXCHANGE_TIMEOUT" default:"15s"`

	// StatusRetries bounds retries of idempotent reads. Placement is never retried.
	StatusRetries int `envconfig:"STATUS_RETRIES" default:"3"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
