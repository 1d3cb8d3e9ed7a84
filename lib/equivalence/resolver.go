// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package equivalence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/hashserv/lib/keylock"
)

// ResolverConfig holds the parameters for [NewResolver].
type ResolverConfig struct {
	// Store is required.
	Store Store

	// Logger is required.
	Logger *slog.Logger

	// LockTimeout bounds how long a report waits for its class lock.
	// Zero waits until the caller's context ends.
	LockTimeout time.Duration
}

// Resolution is the outcome of a report.
type Resolution struct {
	// Unihash is the class unihash. Clients must adopt it.
	Unihash string

	// Inserted is false when the report repeated a stored triple.
	Inserted bool

	// NewClass is true when this report established its class.
	NewClass bool
}

// Resolver assigns unihashes to reports. Safe for concurrent use.
type Resolver struct {
	store       Store
	logger      *slog.Logger
	lockTimeout time.Duration
	classes     *keylock.Table[ClassKey]
}

// NewResolver returns a resolver over cfg.Store.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("equivalence: Store is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("equivalence: Logger is required")
	}
	return &Resolver{
		store:       cfg.Store,
		logger:      cfg.Logger,
		lockTimeout: cfg.LockTimeout,
		classes:     keylock.New[ClassKey](),
	}, nil
}

// Lookup returns the unihash for (method, taskhash). It reads the
// store directly and never waits on a class lock.
func (r *Resolver) Lookup(ctx context.Context, method, taskhash string) (string, bool, error) {
	if err := ValidateField("method", method); err != nil {
		return "", false, err
	}
	if err := ValidateField("taskhash", taskhash); err != nil {
		return "", false, err
	}
	return r.store.LookupByTaskHash(ctx, method, taskhash)
}

// Resolve records report and returns the unihash of its class.
//
// The class lock is taken with ctx, so a caller that goes away while
// queued simply leaves the queue. After the lock is held, store calls
// use a context detached from ctx's cancellation and always finish.
func (r *Resolver) Resolve(ctx context.Context, report Report) (Resolution, error) {
	if err := report.Validate(); err != nil {
		return Resolution{}, err
	}

	key := ClassKey{Method: report.Method, OutHash: report.OutHash}
	unlock, err := r.lockClass(ctx, key)
	if err != nil {
		return Resolution{}, err
	}
	defer unlock()

	storeContext := context.WithoutCancel(ctx)

	existing, found, err := r.store.LookupByOutHash(storeContext, report.Method, report.OutHash)
	if err != nil {
		return Resolution{}, err
	}

	winner := existing
	if !found {
		winner = report.Unihash
		if winner == "" {
			winner = report.TaskHash
		}
	}

	result, err := r.store.Insert(storeContext, Record{
		Method:   report.Method,
		TaskHash: report.TaskHash,
		OutHash:  report.OutHash,
		Unihash:  winner,
		Owner:    report.Owner,
		Metadata: report.Metadata,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			r.logger.Error("equivalence invariant violated",
				"method", report.Method,
				"taskhash", report.TaskHash,
				"outhash", report.OutHash,
				"error", err,
			)
		}
		return Resolution{}, err
	}

	// The store returned a stored row for this exact triple whose
	// unihash is not the class unihash. Only possible if the data was
	// already inconsistent before this request.
	if result.Unihash != winner {
		conflict := &ConflictError{
			Method:   report.Method,
			OutHash:  report.OutHash,
			Existing: winner,
			Proposed: result.Unihash,
		}
		r.logger.Error("equivalence invariant violated",
			"method", report.Method,
			"taskhash", report.TaskHash,
			"outhash", report.OutHash,
			"error", conflict,
		)
		return Resolution{}, conflict
	}

	if result.Inserted {
		r.logger.Info("recorded equivalence",
			"method", report.Method,
			"taskhash", report.TaskHash,
			"unihash", result.Unihash,
			"new_class", !found,
		)
	}

	return Resolution{
		Unihash:  result.Unihash,
		Inserted: result.Inserted,
		NewClass: !found && result.Inserted,
	}, nil
}

// PendingClasses returns the number of classes with a report in
// progress or queued.
func (r *Resolver) PendingClasses() int {
	return r.classes.Len()
}

func (r *Resolver) lockClass(ctx context.Context, key ClassKey) (func(), error) {
	lockContext := ctx
	if r.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockContext, cancel = context.WithTimeout(ctx, r.lockTimeout)
		defer cancel()
	}

	unlock, err := r.classes.Lock(lockContext, key)
	if err == nil {
		return unlock, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w (%s, %s) after %s", ErrLockTimeout, key.Method, key.OutHash, r.lockTimeout)
	}
	return nil, fmt.Errorf("waiting for class lock: %w", err)
}
