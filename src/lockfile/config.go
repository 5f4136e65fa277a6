package lockfile

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Path string `envconfig:"LOCK_PATH" default:"fundengine.pid"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
