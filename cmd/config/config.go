package config

// Package config in cmd is a thin wrapper around the shared loader in
// pkg/config, exposing the loaded configuration via AppConfig for CLI use.

import (
	pkgconfig "ledger/pkg/config"
)

// AppConfig holds the currently loaded configuration for command line
// utilities.
var AppConfig pkgconfig.Config

// LoadConfig loads the configuration for the given environment name and
// stores it in AppConfig. Failure aborts execution: a CLI with no usable
// configuration has nothing useful to do.
func LoadConfig(env string) {
	cfg, err := pkgconfig.Load(env)
	if err != nil {
		panic(err)
	}
	AppConfig = *cfg
}
