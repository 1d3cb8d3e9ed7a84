// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the entrypoint error handler for hashserv
// binaries. It is the one place that writes to stderr without the
// structured logger, for errors that happen before the logger exists
// or after it can no longer be trusted.
package process
