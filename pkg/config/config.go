// Package config provides a reusable loader for Teapotnet node
// configuration files and environment variables. Values come from a YAML
// file with TPN_-prefixed environment overrides; a commented default file
// is written on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the unified configuration for a node.
type Config struct {
	Network struct {
		Port           int      `mapstructure:"port" yaml:"port"`
		Trackers       []string `mapstructure:"trackers" yaml:"trackers"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" yaml:"bootstrap_peers"`
	} `mapstructure:"network" yaml:"network"`

	Storage struct {
		Directory  string   `mapstructure:"directory" yaml:"directory"`
		SharedDirs []string `mapstructure:"shared_dirs" yaml:"shared_dirs"`
	} `mapstructure:"storage" yaml:"storage"`

	Tunnels struct {
		TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	} `mapstructure:"tunnels" yaml:"tunnels"`

	Runtime struct {
		Workers  int    `mapstructure:"workers" yaml:"workers"`
		LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	} `mapstructure:"runtime" yaml:"runtime"`

	Interface struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
		Port    int  `mapstructure:"port" yaml:"port"`
	} `mapstructure:"interface" yaml:"interface"`
}

// TunnelTimeout converts the configured tunnel timeout.
func (c *Config) TunnelTimeout() time.Duration {
	return time.Duration(c.Tunnels.TimeoutSeconds) * time.Second
}

func defaults(v *viper.Viper) {
	v.SetDefault("network.port", 8480)
	v.SetDefault("network.trackers", []string{})
	v.SetDefault("network.bootstrap_peers", []string{})
	v.SetDefault("storage.directory", "teapotnet")
	v.SetDefault("storage.shared_dirs", []string{})
	v.SetDefault("tunnels.timeout_seconds", 60)
	v.SetDefault("runtime.workers", 32)
	v.SetDefault("runtime.log_level", "info")
	v.SetDefault("interface.enabled", true)
	v.SetDefault("interface.port", 8481)
}

// Load reads the configuration file at path (creating it with defaults when
// absent) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("TPN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeDefault(path); err != nil {
				return nil, fmt.Errorf("write default config: %w", err)
			}
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// writeDefault materializes a default configuration file.
func writeDefault(path string) error {
	v := viper.New()
	defaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return err
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	header := []byte("# Teapotnet node configuration.\n")
	return os.WriteFile(path, append(header, out...), 0o644)
}
