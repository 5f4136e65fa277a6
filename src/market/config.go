package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	WSURL         string        `envconfig:"MARKET_WS_URL" default:""`
	Symbols       string        `envconfig:"MARKET_SYMBOLS" default:"BTCUSDT,ETHUSDT"`
	History       int           `envconfig:"MARKET_HISTORY" default:"200"`
	ReconnectWait time.Duration `envconfig:"MARKET_RECONNECT_WAIT" default:"1s"`
	MaxBackoff    time.Duration `envconfig:"MARKET_MAX_BACKOFF" default:"30s"`
	ReadTimeout   time.Duration `envconfig:"MARKET_READ_TIMEOUT" default:"60s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// SymbolList splits the configured symbols.
func (c Config) SymbolList() []string {
	var out []string
	for _, s := range strings.Split(c.Symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}
