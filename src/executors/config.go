package executors

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ScanPeriod      time.Duration `envconfig:"SCAN_PERIOD" default:"1m"`
	MonitorPeriod   time.Duration `envconfig:"MONITOR_PERIOD" default:"5s"`
	ReconcilePeriod time.Duration `envconfig:"RECONCILE_PERIOD" default:"15m"`

	// FillTimeout bounds how long a submitted order may stay open before it is canceled
	// and its reservation released.
	FillTimeout      time.Duration `envconfig:"FILL_TIMEOUT" default:"30s"`
	FillPollInterval time.Duration `envconfig:"FILL_POLL_INTERVAL" default:"500ms"`

	QueueSize     int  `envconfig:"EXEC_QUEUE_SIZE" default:"64"`
	TrailingStop  bool `envconfig:"TRAILING_STOP" default:"false"`
	TrailLookback int  `envconfig:"TRAIL_LOOKBACK" default:"20"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
