package candidate

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Retention is how long a canceled run's simulated history is kept before purging.
	Retention   time.Duration `envconfig:"CANDIDATE_RETENTION" default:"720h"`
	Parallelism int           `envconfig:"CANDIDATE_PARALLELISM" default:"3"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
