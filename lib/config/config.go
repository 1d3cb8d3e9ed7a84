// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "HASHSERV_CONFIG"

// Config is the complete hashserv configuration.
type Config struct {
	// Listen is the stream protocol address: "tcp://host:port",
	// "host:port", or "unix:///path".
	Listen string `yaml:"listen"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ReportLockTimeout bounds how long a report waits behind other
	// reports of the same class. Zero waits indefinitely.
	ReportLockTimeout time.Duration `yaml:"report_lock_timeout"`

	// MetricsListen is the Prometheus endpoint address. Empty
	// disables metrics serving.
	MetricsListen string `yaml:"metrics_listen"`

	Store StoreConfig `yaml:"store"`
}

// StoreConfig selects and tunes the record store.
type StoreConfig struct {
	// Backend is "sqlite" or "badger".
	Backend string `yaml:"backend"`

	// Path is the SQLite file or the Badger directory.
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection count. Zero picks a default.
	PoolSize int `yaml:"pool_size"`

	// RelaxedSync trades durability of the last commits on power loss
	// for write throughput.
	RelaxedSync bool `yaml:"relaxed_sync"`

	Badger BadgerConfig `yaml:"badger"`
}

// BadgerConfig tunes the Badger backend.
type BadgerConfig struct {
	// GCInterval is the value-log GC period. Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the fraction of a value-log file that must be
	// garbage before it is rewritten.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// Default returns the configuration used when no file is given, and
// the base that a file is merged onto.
func Default() *Config {
	return &Config{
		Listen:      "tcp://0.0.0.0:8686",
		LogLevel:    "info",
		IdleTimeout: 5 * time.Minute,
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "hashes.db",
			Badger: BadgerConfig{
				GCInterval:     10 * time.Minute,
				GCDiscardRatio: 0.5,
			},
		},
	}
}

// Resolve loads the file at path, or the file named by
// HASHSERV_CONFIG when path is empty, or returns Default when neither
// is set.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv(EnvironmentVariable) != "" {
		return Load()
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

// Load loads configuration from the file named by HASHSERV_CONFIG.
// It fails if the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your hashserv.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, merged onto Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// address and path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Listen = expandVars(c.Listen, vars)
	c.MetricsListen = expandVars(c.MetricsListen, vars)
	c.Store.Path = expandVars(c.Store.Path, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", levels))
	}

	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must be positive"))
	}
	if c.ReportLockTimeout < 0 {
		errs = append(errs, fmt.Errorf("report_lock_timeout must not be negative"))
	}

	backends := []string{"sqlite", "badger"}
	if !slices.Contains(backends, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend must be one of: %v", backends))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must not be negative"))
	}
	if c.Store.Badger.GCInterval < 0 {
		errs = append(errs, fmt.Errorf("store.badger.gc_interval must not be negative"))
	}
	if ratio := c.Store.Badger.GCDiscardRatio; ratio <= 0 || ratio >= 1 {
		errs = append(errs, fmt.Errorf("store.badger.gc_discard_ratio must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
