// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keylock

import (
	"context"
	"sync"
)

// Table is a set of locks indexed by key. The zero value is not
// usable; call New.
type Table[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// entry is the lock for one key. slot has capacity one: a successful
// send acquires, a receive releases. Go queues blocked senders in
// arrival order, which gives FIFO handoff between waiters.
type entry struct {
	slot chan struct{}

	// references counts holders plus waiters. Guarded by Table.mu.
	references int
}

// New returns an empty table.
func New[K comparable]() *Table[K] {
	return &Table[K]{entries: make(map[K]*entry)}
}

// Lock blocks until key is held by the caller or ctx ends. On success
// it returns an unlock function that must be called exactly once on
// every exit path; extra calls are ignored. On failure it returns
// ctx.Err() and the caller holds nothing.
func (t *Table[K]) Lock(ctx context.Context, key K) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := t.acquireEntry(key)

	select {
	case lock.slot <- struct{}{}:
	case <-ctx.Done():
		t.releaseEntry(key, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.slot
			t.releaseEntry(key, lock)
		})
	}, nil
}

// TryLock acquires key only if it is free. It never blocks.
func (t *Table[K]) TryLock(key K) (func(), bool) {
	lock := t.acquireEntry(key)

	select {
	case lock.slot <- struct{}{}:
	default:
		t.releaseEntry(key, lock)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.slot
			t.releaseEntry(key, lock)
		})
	}, true
}

// Len returns the number of keys currently held or waited on.
func (t *Table[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table[K]) acquireEntry(key K) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, exists := t.entries[key]
	if !exists {
		lock = &entry{slot: make(chan struct{}, 1)}
		t.entries[key] = lock
	}
	lock.references++
	return lock
}

func (t *Table[K]) releaseEntry(key K, lock *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock.references--
	if lock.references == 0 {
		delete(t.entries, key)
	}
}
