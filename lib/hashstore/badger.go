// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bureau-foundation/hashserv/lib/clock"
	"github.com/bureau-foundation/hashserv/lib/codec"
	"github.com/bureau-foundation/hashserv/lib/equivalence"
)

// maxConflictRetries bounds how often an insert is replayed after
// Badger reports an optimistic transaction conflict.
const maxConflictRetries = 16

// BadgerConfig holds the parameters for [OpenBadger].
type BadgerConfig struct {
	// Path is the database directory, created if missing. Required
	// unless InMemory is set.
	Path string

	// InMemory keeps everything in memory. Nothing survives Close.
	InMemory bool

	SyncWrites bool

	// GCInterval is the value-log GC period. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC. Zero means 0.5.
	GCDiscardRatio float64

	// Clock stamps created times and drives the GC ticker.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// BadgerStore is the Badger [equivalence.Store].
type BadgerStore struct {
	db     *badger.DB
	clock  clock.Clock
	logger *slog.Logger

	records atomic.Uint64
	classes atomic.Uint64

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

var _ equivalence.Store = (*BadgerStore)(nil)

// storedRecord is the value under a record key.
type storedRecord struct {
	Unihash  string               `cbor:"unihash"`
	Owner    string               `cbor:"owner,omitempty"`
	Created  int64                `cbor:"created"`
	Metadata equivalence.Metadata `cbor:"metadata"`
}

// taskHead is the value under a task key: the newest record for the
// (method, taskhash).
type taskHead struct {
	Unihash string `cbor:"unihash"`
	Created int64  `cbor:"created"`
}

// badgerLogger routes Badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Badger reports compaction and replay progress at Info.
func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens or creates a Badger database and loads the record
// and class counts.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("hashstore: Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.GCDiscardRatio <= 0 {
		cfg.GCDiscardRatio = 0.5
	}

	logger := cfg.Logger.With("backend", BackendBadger)

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("hashstore: badger Path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("hashstore: creating %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("hashstore: opening badger database: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		clock:  cfg.Clock,
		logger: logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	records, err := store.countPrefix(prefixRecord)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("hashstore: counting records: %w", err)
	}
	classes, err := store.countPrefix(prefixClass)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("hashstore: counting classes: %w", err)
	}
	store.records.Store(records)
	store.classes.Store(classes)

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go store.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(store.gcDone)
	}

	logger.Info("badger store opened",
		"path", cfg.Path,
		"in_memory", cfg.InMemory,
		"sync_writes", cfg.SyncWrites,
		"records", records,
		"classes", classes,
	)
	return store, nil
}

func (s *BadgerStore) countPrefix(prefix byte) (uint64, error) {
	var count uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefix}
		iterator := txn.NewIterator(opts)
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// runGC reclaims value-log space until Close. Each tick runs GC
// repeatedly while it keeps finding files to rewrite.
func (s *BadgerStore) runGC(interval time.Duration, discardRatio float64) {
	defer close(s.gcDone)

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			rewritten := 0
			for {
				err := s.db.RunValueLogGC(discardRatio)
				if err == nil {
					rewritten++
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					s.logger.Warn("value log gc failed", "error", err)
				}
				break
			}
			if rewritten > 0 {
				s.logger.Debug("value log gc", "files_rewritten", rewritten)
			}
		}
	}
}

// LookupByTaskHash reads the task head for (method, taskhash).
func (s *BadgerStore) LookupByTaskHash(ctx context.Context, method, taskhash string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var head taskHead
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getValue(txn, taskKey(method, taskhash), &head)
		return err
	})
	if err != nil {
		return "", false, storeError("lookup taskhash", err)
	}
	return head.Unihash, found, nil
}

// LookupByOutHash reads the class head for (method, outhash).
func (s *BadgerStore) LookupByOutHash(ctx context.Context, method, outhash string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var unihash string
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		unihash, found, err = getClass(txn, method, outhash)
		return err
	})
	if err != nil {
		return "", false, storeError("lookup outhash", err)
	}
	return unihash, found, nil
}

// Insert writes the record, the class head if the class is new, and
// the task head in one transaction. Badger's conflict detection covers
// the class key read, so a concurrent insert that created the class
// first forces a replay that sees it.
func (s *BadgerStore) Insert(ctx context.Context, record equivalence.Record) (equivalence.InsertResult, error) {
	if err := validateRecord(record); err != nil {
		return equivalence.InsertResult{}, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock.Now()
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return equivalence.InsertResult{}, err
		}

		var result equivalence.InsertResult
		var newClass bool
		err := s.db.Update(func(txn *badger.Txn) error {
			var err error
			result, newClass, err = insertRecord(txn, record)
			return err
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			s.logger.Debug("insert conflict, retrying",
				"method", record.Method,
				"outhash", record.OutHash,
				"attempt", attempt+1,
			)
			continue
		}
		if err != nil {
			return equivalence.InsertResult{}, storeError("insert", err)
		}

		if result.Inserted {
			s.records.Add(1)
			if newClass {
				s.classes.Add(1)
			}
		}
		return result, nil
	}
}

func insertRecord(txn *badger.Txn, record equivalence.Record) (equivalence.InsertResult, bool, error) {
	key := recordKey(record.Method, record.OutHash, record.TaskHash)

	var stored storedRecord
	exists, err := getValue(txn, key, &stored)
	if err != nil {
		return equivalence.InsertResult{}, false, err
	}
	if exists {
		return equivalence.InsertResult{Unihash: stored.Unihash}, false, nil
	}

	existing, classExists, err := getClass(txn, record.Method, record.OutHash)
	if err != nil {
		return equivalence.InsertResult{}, false, err
	}
	unihash, err := chooseUnihash(record, existing)
	if err != nil {
		return equivalence.InsertResult{}, false, err
	}

	created := record.CreatedAt.UnixNano()
	value, err := codec.Marshal(storedRecord{
		Unihash:  unihash,
		Owner:    record.Owner,
		Created:  created,
		Metadata: record.Metadata,
	})
	if err != nil {
		return equivalence.InsertResult{}, false, fmt.Errorf("encoding record: %w", err)
	}
	if err := txn.Set(key, value); err != nil {
		return equivalence.InsertResult{}, false, err
	}

	if !classExists {
		if err := txn.Set(classKey(record.Method, record.OutHash), []byte(unihash)); err != nil {
			return equivalence.InsertResult{}, false, err
		}
	}

	headKey := taskKey(record.Method, record.TaskHash)
	var head taskHead
	headExists, err := getValue(txn, headKey, &head)
	if err != nil {
		return equivalence.InsertResult{}, false, err
	}
	if !headExists || created >= head.Created {
		value, err := codec.Marshal(taskHead{Unihash: unihash, Created: created})
		if err != nil {
			return equivalence.InsertResult{}, false, fmt.Errorf("encoding task head: %w", err)
		}
		if err := txn.Set(headKey, value); err != nil {
			return equivalence.InsertResult{}, false, err
		}
	}

	return equivalence.InsertResult{Unihash: unihash, Inserted: true}, !classExists, nil
}

func getClass(txn *badger.Txn, method, outhash string) (string, bool, error) {
	item, err := txn.Get(classKey(method, outhash))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

// getValue decodes the CBOR value at key into target.
func getValue(txn *badger.Txn, key []byte, target any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(value []byte) error {
		return codec.Unmarshal(value, target)
	})
	if err != nil {
		return false, fmt.Errorf("decoding %x: %w", key, err)
	}
	return true, nil
}

// Stats returns counters loaded at open and advanced on every
// committed insert.
func (s *BadgerStore) Stats(ctx context.Context) (equivalence.Stats, error) {
	if err := ctx.Err(); err != nil {
		return equivalence.Stats{}, err
	}
	return equivalence.Stats{
		Records: s.records.Load(),
		Classes: s.classes.Load(),
	}, nil
}

// Close stops value-log GC and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopGC)
		<-s.gcDone
		if closeErr := s.db.Close(); closeErr != nil {
			err = fmt.Errorf("hashstore: closing badger database: %w", closeErr)
			return
		}
		s.logger.Info("badger store closed")
	})
	return err
}
