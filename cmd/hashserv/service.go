// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/hashserv/lib/clock"
	"github.com/bureau-foundation/hashserv/lib/codec"
	"github.com/bureau-foundation/hashserv/lib/equivalence"
	"github.com/bureau-foundation/hashserv/lib/hashproto"
	"github.com/bureau-foundation/hashserv/lib/service"
	"github.com/bureau-foundation/hashserv/lib/version"
)

// connectionCounter is the part of the stream server that stats reports.
type connectionCounter interface {
	OpenConnections() int64
	AcceptedConnections() uint64
}

// HashService implements the get, report, and stats actions on top of
// a Resolver. Handlers hold no per-connection state; everything shared
// is either the resolver (which serializes per class) or atomic.
type HashService struct {
	resolver    *equivalence.Resolver
	store       equivalence.Store
	connections connectionCounter
	clock       clock.Clock
	logger      *slog.Logger

	startedAt time.Time

	// requests counts dispatched requests per action. The map is
	// built once and never written after construction.
	requests map[string]*atomic.Uint64
}

func newHashService(resolver *equivalence.Resolver, store equivalence.Store, clk clock.Clock, logger *slog.Logger) *HashService {
	requests := make(map[string]*atomic.Uint64, len(hashproto.Capabilities))
	for _, action := range hashproto.Capabilities {
		requests[action] = new(atomic.Uint64)
	}
	return &HashService{
		resolver:  resolver,
		store:     store,
		clock:     clk,
		logger:    logger,
		startedAt: clk.Now(),
		requests:  requests,
	}
}

func (s *HashService) registerActions(server *service.StreamServer) {
	server.Handle(hashproto.ActionGet, s.handleGet)
	server.Handle(hashproto.ActionReport, s.handleReport)
	server.Handle(hashproto.ActionStats, s.handleStats)
}

// countRequest is called by the stream server's observer after every
// dispatched request.
func (s *HashService) countRequest(action string) {
	if counter, ok := s.requests[action]; ok {
		counter.Add(1)
	}
}

func (s *HashService) handleGet(ctx context.Context, raw []byte) (any, error) {
	var request hashproto.GetRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}

	unihash, found, err := s.resolver.Lookup(ctx, request.Method, request.TaskHash)
	if err != nil {
		return nil, classify(err)
	}

	response := hashproto.GetResponse{Method: request.Method, TaskHash: request.TaskHash}
	if found {
		response.Unihash = &unihash
	}
	return response, nil
}

func (s *HashService) handleReport(ctx context.Context, raw []byte) (any, error) {
	var request hashproto.ReportRequest
	if err := decodeRequest(raw, &request); err != nil {
		return nil, err
	}

	resolution, err := s.resolver.Resolve(ctx, request.Report())
	if err != nil {
		return nil, classify(err)
	}
	return hashproto.ReportResponse{
		Method:   request.Method,
		TaskHash: request.TaskHash,
		Unihash:  resolution.Unihash,
	}, nil
}

func (s *HashService) handleStats(ctx context.Context, raw []byte) (any, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, classify(err)
	}

	requests := make(map[string]uint64, len(s.requests))
	for action, counter := range s.requests {
		requests[action] = counter.Load()
	}

	response := hashproto.StatsResponse{
		Records:        stats.Records,
		Classes:        stats.Classes,
		Requests:       requests,
		PendingClasses: s.resolver.PendingClasses(),
		UptimeSeconds:  s.clock.Now().Sub(s.startedAt).Seconds(),
		Version:        version.Short(),
	}
	if s.connections != nil {
		response.Connections = hashproto.ConnectionStats{
			Current: s.connections.OpenConnections(),
			Total:   s.connections.AcceptedConnections(),
		}
	}
	return response, nil
}

func decodeRequest(raw []byte, target any) error {
	if err := codec.Unmarshal(raw, target); err != nil {
		return service.NewError(service.CodeProtocol, false, fmt.Errorf("decoding request: %w", err))
	}
	return nil
}

// classify maps resolver and store errors onto wire error codes.
func classify(err error) error {
	var storeError *equivalence.StoreError
	switch {
	case errors.Is(err, equivalence.ErrInvalidRequest):
		return service.NewError(service.CodeProtocol, false, err)
	case errors.Is(err, equivalence.ErrConflict):
		return service.NewError(service.CodeConflict, false, err)
	case errors.Is(err, equivalence.ErrLockTimeout):
		return service.NewError(service.CodeTimeout, true, err)
	case errors.As(err, &storeError):
		return service.NewError(service.CodeStore, storeError.Retryable(), err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return service.NewError(service.CodeTimeout, true, err)
	default:
		return err
	}
}
