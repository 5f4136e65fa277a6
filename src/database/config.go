package database

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Expected to hold "sqlite" or "postgres"
	Driver              string `envconfig:"DB_DRIVER" default:"sqlite"`
	DatabaseURLMain     string `envconfig:"DATABASE_URL_MAIN" default:"fundengine.db?_busy_timeout=5000"`
	DatabaseURLReadOnly string `envconfig:"DATABASE_URL_READONLY" default:""`
	GormLogLevel        int    `envconfig:"GORM_LOG_LEVEL" default:"2"`
	MaxOpenConns        int    `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
