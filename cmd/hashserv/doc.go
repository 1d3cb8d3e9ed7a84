// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Hashserv is the hash-equivalence server. Build clients report which
// output hash each task hash produced; hashserv groups tasks with the
// same output into equivalence classes and hands every member of a
// class the same unified hash, so that later builds can reuse
// artifacts across tasks whose inputs differ but whose outputs do not.
//
// # Protocol
//
// Clients hold a persistent stream connection (see lib/service) and,
// after the hello handshake, send any of:
//
//   - get: {method, taskhash} -> {method, taskhash, unihash|null}
//   - report: {method, taskhash, outhash, unihash?, owner?, PN?, PV?,
//     PR?, task?, outhash_siginfo?} -> {method, taskhash, unihash}
//   - stats: {} -> record and class counts plus server counters
//   - quit: no response; the server closes the connection
//
// Reports for the same (method, outhash) are serialized; everything
// else proceeds in parallel. The first report of an output hash fixes
// the class unihash forever.
//
// # Configuration
//
// A YAML file named by --config or HASHSERV_CONFIG (see lib/config),
// with flag overrides for the common fields. With neither, hashserv
// listens on tcp://0.0.0.0:8686 and stores records in ./hashes.db.
//
// # Metrics
//
// When metrics_listen is set, Prometheus metrics are served at
// /metrics on that address.
package main
