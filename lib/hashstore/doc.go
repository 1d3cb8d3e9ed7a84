// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hashstore implements [equivalence.Store] on durable backends.
//
// Two backends are available. The SQLite backend ([OpenSQLite]) keeps
// every record in one table indexed by (method, taskhash) and
// (method, outhash) and is the default. The Badger backend
// ([OpenBadger]) keeps records, class heads, and latest-task pointers
// under separate key prefixes in an LSM tree.
//
// Both backends commit each insert in a single transaction. The class
// unihash check and the write happen inside that transaction, so two
// writers racing on a new class cannot both win even without the
// resolver's class lock. [Open] selects a backend by name.
package hashstore
