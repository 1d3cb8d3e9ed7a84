// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashstore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/hashserv/lib/clock"
	"github.com/bureau-foundation/hashserv/lib/equivalence"
)

// Backend names accepted by [Open].
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is BackendSQLite or BackendBadger. Empty means SQLite.
	Backend string

	// Path is the SQLite database file or the Badger directory.
	Path string

	// PoolSize is the SQLite connection count. Zero picks a default.
	PoolSize int

	// RelaxedSync trades durability of the last few commits for write
	// throughput. SQLite uses synchronous=NORMAL, Badger disables
	// SyncWrites.
	RelaxedSync bool

	// GCInterval is the Badger value-log GC period. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the Badger value-log GC threshold.
	GCDiscardRatio float64

	// Clock stamps record creation times. Nil means the real clock.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// Open opens the backend named by opts.Backend.
func Open(opts Options) (equivalence.Store, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("hashstore: Logger is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	switch opts.Backend {
	case "", BackendSQLite:
		return OpenSQLite(SQLiteConfig{
			Path:        opts.Path,
			PoolSize:    opts.PoolSize,
			RelaxedSync: opts.RelaxedSync,
			Clock:       opts.Clock,
			Logger:      opts.Logger,
		})
	case BackendBadger:
		return OpenBadger(BadgerConfig{
			Path:           opts.Path,
			SyncWrites:     !opts.RelaxedSync,
			GCInterval:     opts.GCInterval,
			GCDiscardRatio: opts.GCDiscardRatio,
			Clock:          opts.Clock,
			Logger:         opts.Logger,
		})
	default:
		return nil, fmt.Errorf("hashstore: unknown backend %q (want %q or %q)", opts.Backend, BackendSQLite, BackendBadger)
	}
}

// storeError wraps a backend failure for op unless err already carries
// a classification the caller needs to see.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *equivalence.StoreError
	if errors.Is(err, equivalence.ErrConflict) || errors.As(err, &storeErr) {
		return err
	}
	return &equivalence.StoreError{Op: op, Err: err}
}

// chooseUnihash applies the insert rule shared by both backends.
// existing is the class unihash, or "" when the class is new.
func chooseUnihash(record equivalence.Record, existing string) (string, error) {
	if existing == "" {
		if record.Unihash != "" {
			return record.Unihash, nil
		}
		return record.TaskHash, nil
	}
	if record.Unihash != "" && record.Unihash != existing {
		return "", &equivalence.ConflictError{
			Method:   record.Method,
			OutHash:  record.OutHash,
			Existing: existing,
			Proposed: record.Unihash,
		}
	}
	return existing, nil
}

func validateRecord(record equivalence.Record) error {
	for _, field := range []struct{ name, value string }{
		{"method", record.Method},
		{"taskhash", record.TaskHash},
		{"outhash", record.OutHash},
	} {
		if err := equivalence.ValidateField(field.name, field.value); err != nil {
			return err
		}
	}
	return nil
}
