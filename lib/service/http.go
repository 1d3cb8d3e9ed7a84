// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/hashserv/lib/netutil"
)

const defaultShutdownTimeout = 10 * time.Second

// HTTPServerConfig holds the parameters for [NewHTTPServer].
type HTTPServerConfig struct {
	// Address is "host:port" or "tcp://host:port". Required.
	Address string

	// Handler is required.
	Handler http.Handler

	// ShutdownTimeout bounds the drain of in-flight requests after
	// the context passed to Serve ends. Zero means 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is required.
	Logger *slog.Logger
}

// HTTPServer runs a plain HTTP handler next to the stream server.
// hashserv mounts the Prometheus scrape endpoint on it. Its lifecycle
// matches [StreamServer]: Ready, Addr, and a blocking Serve.
type HTTPServer struct {
	config HTTPServerConfig

	ready chan struct{}
	addr  net.Addr
}

// NewHTTPServer panics on a missing Address, Handler, or Logger.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	switch {
	case config.Address == "":
		panic("service.HTTPServer: Address is required")
	case config.Handler == nil:
		panic("service.HTTPServer: Handler is required")
	case config.Logger == nil:
		panic("service.HTTPServer: Logger is required")
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	return &HTTPServer{config: config, ready: make(chan struct{})}
}

// Ready is closed once the listener is bound.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound address. Valid after Ready is closed.
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Serve blocks until ctx ends and in-flight requests finish, or the
// listener fails.
func (s *HTTPServer) Serve(ctx context.Context) error {
	network, target, err := netutil.ParseAddress(s.config.Address)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	if network != "tcp" {
		return fmt.Errorf("http server: %s is not a TCP address", s.config.Address)
	}

	listener, err := net.Listen(network, target)
	if err != nil {
		return fmt.Errorf("http server: listening on %s: %w", s.config.Address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	logger := s.config.Logger.With("address", s.addr.String())
	server := &http.Server{
		Handler:           s.config.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	logger.Info("http server listening")

	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownContext); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("http server stopped", "error", err)
		return err
	}
	logger.Info("http server stopped")
	return nil
}
