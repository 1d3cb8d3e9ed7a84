// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/hashserv/lib/clock"
	"github.com/bureau-foundation/hashserv/lib/config"
	"github.com/bureau-foundation/hashserv/lib/equivalence"
	"github.com/bureau-foundation/hashserv/lib/hashproto"
	"github.com/bureau-foundation/hashserv/lib/hashstore"
	"github.com/bureau-foundation/hashserv/lib/service"
	"github.com/bureau-foundation/hashserv/lib/version"
)

// application owns everything one hashserv process runs: the store,
// the resolver, the stream server, and the optional metrics server.
type application struct {
	logger *slog.Logger
	store  equivalence.Store

	hashService   *HashService
	streamServer  *service.StreamServer
	metricsServer *service.HTTPServer
}

func newApplication(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*application, error) {
	store, err := hashstore.Open(hashstore.Options{
		Backend:        cfg.Store.Backend,
		Path:           cfg.Store.Path,
		PoolSize:       cfg.Store.PoolSize,
		RelaxedSync:    cfg.Store.RelaxedSync,
		GCInterval:     cfg.Store.Badger.GCInterval,
		GCDiscardRatio: cfg.Store.Badger.GCDiscardRatio,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := equivalence.NewResolver(equivalence.ResolverConfig{
		Store:       store,
		Logger:      logger,
		LockTimeout: cfg.ReportLockTimeout,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	hashService := newHashService(resolver, store, clk, logger)
	registry := prometheus.NewRegistry()
	metrics := newMetrics(registry)

	streamServer := service.NewStreamServer(service.StreamServerConfig{
		Address:      cfg.Listen,
		Name:         "hashserv " + version.Short(),
		Capabilities: hashproto.Capabilities,
		IdleTimeout:  cfg.IdleTimeout,
		Observe: func(action, code string, elapsed time.Duration) {
			hashService.countRequest(action)
			metrics.observe(action, code, elapsed)
		},
		Logger: logger,
	})
	hashService.connections = streamServer
	hashService.registerActions(streamServer)
	metrics.watch(streamServer, resolver, store)

	app := &application{
		logger:       logger,
		store:        store,
		hashService:  hashService,
		streamServer: streamServer,
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		app.metricsServer = service.NewHTTPServer(service.HTTPServerConfig{
			Address: cfg.MetricsListen,
			Handler: mux,
			Logger:  logger,
		})
	}

	return app, nil
}

// run serves until ctx is cancelled or a server fails, then drains
// connections and closes the store.
func (a *application) run(ctx context.Context) error {
	group, groupContext := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.streamServer.Serve(groupContext); err != nil {
			return fmt.Errorf("stream server: %w", err)
		}
		return nil
	})
	if a.metricsServer != nil {
		group.Go(func() error {
			if err := a.metricsServer.Serve(groupContext); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	serveErr := group.Wait()
	a.logger.Info("shutting down")

	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
