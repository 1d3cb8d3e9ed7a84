// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hashserv/lib/clock"
	"github.com/bureau-foundation/hashserv/lib/config"
	"github.com/bureau-foundation/hashserv/lib/process"
	"github.com/bureau-foundation/hashserv/lib/service"
	"github.com/bureau-foundation/hashserv/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

// flags are the command-line overrides. A flag only replaces the
// config value when it was set explicitly.
type flags struct {
	set *pflag.FlagSet

	configPath    string
	listen        string
	database      string
	backend       string
	logLevel      string
	metricsListen string
	showVersion   bool
}

func parseFlags(args []string, output io.Writer) (*flags, error) {
	parsed := &flags{set: pflag.NewFlagSet("hashserv", pflag.ContinueOnError)}
	set := parsed.set
	set.SetOutput(output)

	set.StringVar(&parsed.configPath, "config", "", "path to the YAML config file (default $"+config.EnvironmentVariable+")")
	set.StringVarP(&parsed.listen, "listen", "l", "", "listen address: tcp://host:port, host:port, or unix:///path")
	set.StringVarP(&parsed.database, "database", "d", "", "SQLite database file or Badger directory")
	set.StringVar(&parsed.backend, "store", "", "store backend: sqlite or badger")
	set.StringVar(&parsed.logLevel, "log-level", "", "log level: debug, info, warn, or error")
	set.StringVar(&parsed.metricsListen, "metrics-listen", "", "Prometheus /metrics address (empty disables)")
	set.BoolVar(&parsed.showVersion, "version", false, "print version information and exit")

	if err := set.Parse(args); err != nil {
		return nil, &process.ExitError{Code: 2, Err: err}
	}
	if set.NArg() > 0 {
		return nil, &process.ExitError{Code: 2, Err: fmt.Errorf("unexpected arguments: %v", set.Args())}
	}
	return parsed, nil
}

// apply copies explicitly set flags over cfg.
func (f *flags) apply(cfg *config.Config) {
	if f.set.Changed("listen") {
		cfg.Listen = f.listen
	}
	if f.set.Changed("database") {
		cfg.Store.Path = f.database
	}
	if f.set.Changed("store") {
		cfg.Store.Backend = f.backend
	}
	if f.set.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.set.Changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}
}

// loadConfig resolves the config file and applies flag overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Resolve(f.configPath)
	if err != nil {
		return nil, err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	parsed, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if parsed.showVersion {
		version.Print("hashserv")
		return nil
	}

	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}

	logger, err := service.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(cfg, logger, clock.Real())
	if err != nil {
		return err
	}

	logger.Info("hashserv starting",
		"version", version.Info(),
		"listen", cfg.Listen,
		"store", cfg.Store.Backend,
		"path", cfg.Store.Path,
	)
	return app.run(ctx)
}
