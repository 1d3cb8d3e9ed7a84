// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package equivalence defines the hash equivalence data model and the
// resolver that assigns unified hashes.
//
// Build clients compute a task hash from a step's inputs and an output
// hash from what the step produced. Two task hashes whose outputs hash
// the same, under the same method, are equivalent: they belong to one
// equivalence class, keyed by (method, outhash), and share one unified
// hash ("unihash"). Clients substitute the unihash for their task hash
// when addressing shared caches, so equivalent work is reused even when
// its inputs differed in irrelevant ways.
//
// # Resolution
//
// [Resolver.Resolve] implements first-writer-wins. The first report for
// a class establishes its unihash (the client's proposed unihash, or
// its task hash); every later report for that class, from any client,
// adopts it. Resolution for one class is serialized through a
// [keylock.Table] keyed by (method, outhash), so two racing first
// reports cannot both establish a class. Reports for different classes
// never wait on each other.
//
// Once a report holds its class lock, the store calls run to completion
// even if the reporting client disconnects. Either the record is
// committed with the class unihash, or nothing is.
//
// # Invariants
//
// For one method, every record with a given outhash has the same
// unihash, and a committed record is never changed. A [Store] refuses
// any insert that would break the first rule with [ErrConflict]; the
// resolver treats that as a consistency failure for the one request
// and logs it, without taking down other classes.
package equivalence
