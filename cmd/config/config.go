package config

// Package config in cmd is a thin wrapper around the shared loader in
// pkg/config. It exposes the loaded configuration via the AppConfig
// variable for command line tools.

import (
	pkgconfig "github.com/teapotnet/teapotnet/pkg/config"
)

// AppConfig holds the currently loaded configuration for command line
// utilities.
var AppConfig pkgconfig.Config

// LoadConfig loads the configuration file and stores it in AppConfig. Any
// error aborts execution, which is acceptable for CLI initialisation.
func LoadConfig(path string) {
	cfg, err := pkgconfig.Load(path)
	if err != nil {
		panic(err)
	}
	AppConfig = *cfg
}
