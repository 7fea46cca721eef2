package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const CONFIG_PATH = "./portmux.config.toml"

// ENV_PREFIX prefixes every environment override, e.g. PORTMUX_PORT.
const ENV_PREFIX = "PORTMUX_"

var c *Config

// Default returns the configuration written when no file exists.
func Default() Config {
	return Config{
		Port:                 30000,
		Address:              "0.0.0.0",
		Experimental:         false,
		LogLevel:             "info",
		EnableMulticore:      true,
		MaxConnections:       1024,
		IdleTimeout:          60,
		HandlerTimeout:       30,
		ShutdownTimeout:      15,
		EnableKeepAlive:      true,
		WorkerPoolSize:       200,
		MaxInitialLineLength: 4096,
		MaxHeaderSize:        8192,
		MaxAggregateSize:     65536,
		RPCMaxFrameSize:      16 << 20,
		MetricsAddress:       "127.0.0.1:9090",
	}
}

// Load reads the configuration file from path, parses the TOML content,
// applies PORTMUX_* environment overrides and loads the result into the
// package-level Config variable `c`.
//
// If the config file does not exist, it will attempt to create one with default values.
//
// Returns an error if reading or decoding the file fails.
//
// Example usage:
//
//	err := config.Load(config.CONFIG_PATH, nil)
//	if err != nil {
//	    // handle error
//	}
func Load(path string, override *Config) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := Create(path, override); err != nil {
			return fmt.Errorf("Load: failed creating config: %w", err)
		}
	}

	loaded := Default()
	if _, err := toml.DecodeFile(path, &loaded); err != nil {
		return fmt.Errorf("Load: failed decoding toml: %w", err)
	}

	if err := env.ParseWithOptions(&loaded, env.Options{Prefix: ENV_PREFIX}); err != nil {
		return fmt.Errorf("Load: failed parsing environment: %w", err)
	}

	c = &loaded
	return nil
}

// Create writes a configuration file with either default values or
// overrides provided by the user.
//
// Returns an error if encoding or writing the file fails.
//
// Example usage:
//
//	err := config.Create(config.CONFIG_PATH, &config.Config{Port: 8080})
func Create(path string, override *Config) error {
	defaultConfig := Default()
	if override != nil {
		defaultConfig = *override
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(&defaultConfig); err != nil {
		return fmt.Errorf("Create: failed encoding config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("Create: failed writing config: %w", err)
	}

	return nil
}

// New initializes the package configuration by loading the config file,
// if it hasn't already been loaded.
//
// Returns an error if loading the configuration fails.
//
// Example usage:
//
//	err := config.New(nil)
//	if err != nil {
//	    // handle error
//	}
func New(override *Config) error {
	if c == nil {
		err := Load(CONFIG_PATH, override)
		if err != nil {
			return fmt.Errorf("New: failed loading toml: %w", err)
		}
	}
	return nil
}

// Use installs cfg as the package configuration without touching disk.
func Use(cfg Config) {
	c = &cfg
}

// Current returns a copy of the loaded configuration.
func Current() Config {
	if c == nil {
		return Default()
	}
	return *c
}
