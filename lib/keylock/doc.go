// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keylock provides a table of per-key mutual exclusion locks
// for keys of unbounded cardinality.
//
// A [Table] holds an entry only while some goroutine holds or waits for
// that key. Entries are created on the first Lock and removed when the
// last holder or waiter leaves, so a table that has seen millions of
// distinct keys costs nothing for keys that are idle.
//
// Holders of different keys never contend beyond a short critical
// section on the table's map. Waiters on one key acquire it in arrival
// order. A waiter whose context ends stops waiting and leaves no trace.
//
//	unlock, err := table.Lock(ctx, key)
//	if err != nil {
//	    return err
//	}
//	defer unlock()
package keylock
