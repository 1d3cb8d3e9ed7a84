// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// hash store's SQLite backend.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with fixed pragmas,
// a one-time schema migration hook, and two helpers that encode the
// store's transaction discipline:
//
//   - [Pool.Read] borrows a connection for a read. WAL mode lets reads
//     proceed while a write transaction is open elsewhere.
//   - [Pool.Write] borrows a connection and runs the callback inside a
//     BEGIN IMMEDIATE transaction. The write lock is taken up front, so
//     a read-then-insert sequence inside the callback can never be
//     interleaved with another writer, and the transaction commits or
//     rolls back as a unit before the connection is returned.
//
// # Pragmas
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=FULL (default) or NORMAL: FULL fsyncs the WAL on
//     every commit, so a record acknowledged to a client survives power
//     loss. NORMAL is only process-crash safe.
//   - busy_timeout=5000: wait for the write lock instead of failing
//     with SQLITE_BUSY.
//   - cache_size=-8192, mmap_size=268435456, temp_store=MEMORY.
//
// Connections are not safe for concurrent use. Callers that bypass the
// helpers must Take and Put their own connection.
package sqlitepool
