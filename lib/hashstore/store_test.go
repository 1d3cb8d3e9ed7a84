// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashstore_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/hashserv/lib/clock"
	"github.com/bureau-foundation/hashserv/lib/equivalence"
	"github.com/bureau-foundation/hashserv/lib/hashstore"
)

const method = "TestMethod"

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// backend opens a store at path. Reopening the same path must see the
// same data.
type backend struct {
	name string
	open func(t *testing.T, path string, fakeClock *clock.FakeClock) equivalence.Store
}

var backends = []backend{
	{
		name: hashstore.BackendSQLite,
		open: func(t *testing.T, path string, fakeClock *clock.FakeClock) equivalence.Store {
			t.Helper()
			store, err := hashstore.OpenSQLite(hashstore.SQLiteConfig{
				Path:   filepath.Join(path, "hashes.db"),
				Clock:  fakeClock,
				Logger: slog.New(slog.DiscardHandler),
			})
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return store
		},
	},
	{
		name: hashstore.BackendBadger,
		open: func(t *testing.T, path string, fakeClock *clock.FakeClock) equivalence.Store {
			t.Helper()
			store, err := hashstore.OpenBadger(hashstore.BadgerConfig{
				Path:   filepath.Join(path, "badger"),
				Clock:  fakeClock,
				Logger: slog.New(slog.DiscardHandler),
			})
			if err != nil {
				t.Fatalf("OpenBadger: %v", err)
			}
			return store
		},
	},
}

// forEachBackend runs test against a fresh store of every backend.
func forEachBackend(t *testing.T, test func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock)) {
	t.Helper()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fakeClock := clock.Fake(epoch)
			store := b.open(t, t.TempDir(), fakeClock)
			t.Cleanup(func() { store.Close() })
			test(t, store, fakeClock)
		})
	}
}

func mustInsert(t *testing.T, store equivalence.Store, record equivalence.Record) equivalence.InsertResult {
	t.Helper()
	result, err := store.Insert(context.Background(), record)
	if err != nil {
		t.Fatalf("Insert(%s, %s): %v", record.TaskHash, record.OutHash, err)
	}
	return result
}

func lookupTask(t *testing.T, store equivalence.Store, methodName, taskhash string) (string, bool) {
	t.Helper()
	unihash, found, err := store.LookupByTaskHash(context.Background(), methodName, taskhash)
	if err != nil {
		t.Fatalf("LookupByTaskHash(%s): %v", taskhash, err)
	}
	return unihash, found
}

func storeStats(t *testing.T, store equivalence.Store) equivalence.Stats {
	t.Helper()
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return stats
}

func TestInsertDerivesUnihash(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		first := mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
		if first.Unihash != "t1" || !first.Inserted {
			t.Fatalf("first insert = %+v, want {t1 true}", first)
		}

		fakeClock.Advance(time.Second)
		second := mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t2", OutHash: "o1"})
		if second.Unihash != "t1" || !second.Inserted {
			t.Fatalf("second insert = %+v, want {t1 true}", second)
		}

		if unihash, found := lookupTask(t, store, method, "t2"); !found || unihash != "t1" {
			t.Errorf("lookup t2 = %q, %v; want t1, true", unihash, found)
		}
		unihash, found, err := store.LookupByOutHash(context.Background(), method, "o1")
		if err != nil || !found || unihash != "t1" {
			t.Errorf("LookupByOutHash(o1) = %q, %v, %v; want t1, true, nil", unihash, found, err)
		}
	})
}

func TestInsertIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
		before := storeStats(t, store)

		fakeClock.Advance(time.Second)
		again := mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
		if again.Inserted {
			t.Error("repeated insert reported Inserted=true")
		}
		if again.Unihash != "t1" {
			t.Errorf("repeated insert unihash = %q, want t1", again.Unihash)
		}
		if after := storeStats(t, store); after != before {
			t.Errorf("stats changed on repeated insert: %+v -> %+v", before, after)
		}
	})
}

func TestInsertProposedUnihash(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		result := mustInsert(t, store, equivalence.Record{
			Method: method, TaskHash: "t1", OutHash: "o1", Unihash: "u-proposed",
		})
		if result.Unihash != "u-proposed" {
			t.Fatalf("unihash = %q, want u-proposed", result.Unihash)
		}

		// Matching proposal for an existing class is accepted.
		result = mustInsert(t, store, equivalence.Record{
			Method: method, TaskHash: "t2", OutHash: "o1", Unihash: "u-proposed",
		})
		if result.Unihash != "u-proposed" || !result.Inserted {
			t.Fatalf("second insert = %+v", result)
		}
	})
}

func TestInsertConflictWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
		before := storeStats(t, store)

		_, err := store.Insert(context.Background(), equivalence.Record{
			Method: method, TaskHash: "t2", OutHash: "o1", Unihash: "other",
		})
		if !errors.Is(err, equivalence.ErrConflict) {
			t.Fatalf("Insert error = %v, want ErrConflict", err)
		}
		var conflict *equivalence.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("error %T is not *ConflictError", err)
		}
		if conflict.Existing != "t1" || conflict.Proposed != "other" {
			t.Errorf("conflict = %+v", conflict)
		}
		if equivalence.IsRetryable(err) {
			t.Error("conflict reported retryable")
		}

		if _, found := lookupTask(t, store, method, "t2"); found {
			t.Error("refused record is visible")
		}
		if after := storeStats(t, store); after != before {
			t.Errorf("stats changed on refused insert: %+v -> %+v", before, after)
		}
	})
}

func TestLookupReturnsMostRecentRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		// Class o2 belongs to t-other.
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t-other", OutHash: "o2"})

		fakeClock.Advance(time.Second)
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
		if unihash, _ := lookupTask(t, store, method, "t1"); unihash != "t1" {
			t.Fatalf("lookup t1 = %q, want t1", unihash)
		}

		// The same task later produces o2; the newer record wins.
		fakeClock.Advance(time.Second)
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o2"})
		if unihash, _ := lookupTask(t, store, method, "t1"); unihash != "t-other" {
			t.Errorf("lookup t1 = %q, want t-other", unihash)
		}
	})
}

func TestLookupTieBreaksOnInsertionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t-other", OutHash: "o2"})
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
		mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o2"})

		if unihash, _ := lookupTask(t, store, method, "t1"); unihash != "t-other" {
			t.Errorf("lookup t1 = %q, want t-other", unihash)
		}
	})
}

func TestMethodsAreIndependent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		mustInsert(t, store, equivalence.Record{Method: "m1", TaskHash: "t1", OutHash: "o1"})
		result := mustInsert(t, store, equivalence.Record{Method: "m2", TaskHash: "t2", OutHash: "o1"})
		if result.Unihash != "t2" {
			t.Errorf("m2 unihash = %q, want t2", result.Unihash)
		}
		if _, found := lookupTask(t, store, "m2", "t1"); found {
			t.Error("m1 record visible under m2")
		}
		if stats := storeStats(t, store); stats.Classes != 2 || stats.Records != 2 {
			t.Errorf("stats = %+v, want 2 records in 2 classes", stats)
		}
	})
}

func TestUnknownLookups(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		if unihash, found := lookupTask(t, store, method, "missing"); found || unihash != "" {
			t.Errorf("lookup missing = %q, %v", unihash, found)
		}
		unihash, found, err := store.LookupByOutHash(context.Background(), method, "missing")
		if err != nil || found || unihash != "" {
			t.Errorf("LookupByOutHash(missing) = %q, %v, %v", unihash, found, err)
		}
		if stats := storeStats(t, store); stats != (equivalence.Stats{}) {
			t.Errorf("empty store stats = %+v", stats)
		}
	})
}

func TestInsertRejectsInvalidRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		_, err := store.Insert(context.Background(), equivalence.Record{Method: method, TaskHash: "t1"})
		if !errors.Is(err, equivalence.ErrInvalidRequest) {
			t.Errorf("Insert without outhash = %v, want ErrInvalidRequest", err)
		}
	})
}

func TestConcurrentInsertsConverge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store equivalence.Store, fakeClock *clock.FakeClock) {
		const writers = 16
		results := make([]string, writers)
		errs := make([]error, writers)

		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := store.Insert(context.Background(), equivalence.Record{
					Method:   method,
					TaskHash: fmt.Sprintf("task-%d", i),
					OutHash:  "shared",
				})
				results[i], errs[i] = result.Unihash, err
			}()
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("writer %d: %v", i, err)
			}
		}
		for i, unihash := range results {
			if unihash != results[0] {
				t.Errorf("writer %d got %q, writer 0 got %q", i, unihash, results[0])
			}
		}
		if stats := storeStats(t, store); stats.Records != writers || stats.Classes != 1 {
			t.Errorf("stats = %+v, want %d records in 1 class", stats, writers)
		}
	})
}

func TestDurableAcrossReopen(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			fakeClock := clock.Fake(epoch)

			store := b.open(t, dir, fakeClock)
			mustInsert(t, store, equivalence.Record{
				Method: method, TaskHash: "t1", OutHash: "o1", Owner: "builder",
				Metadata: equivalence.Metadata{PN: "zlib", PV: "1.3", Task: "do_compile"},
			})
			fakeClock.Advance(time.Second)
			mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t2", OutHash: "o1"})
			if err := store.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			reopened := b.open(t, dir, fakeClock)
			defer reopened.Close()

			if unihash, found := lookupTask(t, reopened, method, "t2"); !found || unihash != "t1" {
				t.Errorf("after reopen lookup t2 = %q, %v; want t1, true", unihash, found)
			}
			if stats := storeStats(t, reopened); stats.Records != 2 || stats.Classes != 1 {
				t.Errorf("after reopen stats = %+v, want 2 records in 1 class", stats)
			}
			fakeClock.Advance(time.Second)
			result := mustInsert(t, reopened, equivalence.Record{Method: method, TaskHash: "t3", OutHash: "o1"})
			if result.Unihash != "t1" {
				t.Errorf("insert after reopen = %q, want t1", result.Unihash)
			}
		})
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	for _, name := range []string{"", hashstore.BackendSQLite, hashstore.BackendBadger} {
		t.Run("backend="+name, func(t *testing.T) {
			store, err := hashstore.Open(hashstore.Options{
				Backend: name,
				Path:    filepath.Join(t.TempDir(), "store"),
				Logger:  logger,
			})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer store.Close()

			switch store.(type) {
			case *hashstore.SQLiteStore:
				if name == hashstore.BackendBadger {
					t.Error("badger requested, got SQLite")
				}
			case *hashstore.BadgerStore:
				if name != hashstore.BackendBadger {
					t.Error("SQLite requested, got badger")
				}
			default:
				t.Errorf("unexpected store type %T", store)
			}
		})
	}

	_, err := hashstore.Open(hashstore.Options{Backend: "leveldb", Path: t.TempDir(), Logger: logger})
	if err == nil {
		t.Error("Open with unknown backend succeeded")
	}
}

func TestBadgerInMemory(t *testing.T) {
	store, err := hashstore.OpenBadger(hashstore.BadgerConfig{
		InMemory: true,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer store.Close()

	mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
	if unihash, found := lookupTask(t, store, method, "t1"); !found || unihash != "t1" {
		t.Errorf("lookup = %q, %v", unihash, found)
	}
}

func TestBadgerGCStopsOnClose(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	store, err := hashstore.OpenBadger(hashstore.BadgerConfig{
		Path:       t.TempDir(),
		GCInterval: time.Minute,
		Clock:      fakeClock,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}

	fakeClock.WaitForTickers(1)
	mustInsert(t, store, equivalence.Record{Method: method, TaskHash: "t1", OutHash: "o1"})
	fakeClock.Advance(time.Minute)

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSQLiteRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashes.db")
	logger := slog.New(slog.DiscardHandler)

	store, err := hashstore.OpenSQLite(hashstore.SQLiteConfig{Path: path, Logger: logger})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := hashstore.SetSchemaVersionForTest(store, 99); err != nil {
		t.Fatalf("setting schema version: %v", err)
	}
	store.Close()

	_, err = hashstore.OpenSQLite(hashstore.SQLiteConfig{Path: path, Logger: logger})
	if err == nil {
		t.Fatal("OpenSQLite accepted a newer schema version")
	}
}
