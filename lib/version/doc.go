// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports what build of hashserv is running.
//
// Release builds inject [GitCommit], [GitDirty], and [BuildTime] with
// -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/hashserv/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/hashserv
//
// Anything not injected is taken from the vcs.* settings the go
// command stamps into binaries built inside a checkout, and is
// "unknown" otherwise (tests, go run).
package version
