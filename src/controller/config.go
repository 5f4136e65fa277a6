package controller

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Service names the process in captured exceptions.
	Service string `envconfig:"SERVICE_NAME" default:"fundengine"`

	AnalysisMaxRows int `envconfig:"ANALYSIS_MAX_ROWS" default:"10000"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
