// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes and so cannot live under a deep
// t.TempDir().
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests that wait on goroutines fail instead of hanging.
//
// [UniqueHash] produces distinct hex strings shaped like real task and
// output hashes.
//
// All helpers call t.Fatalf on failure.
package testutil
