// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the hash
// store (record creation stamps), the server (uptime), and the Badger
// value-log collector (periodic ticks).
//
// Production code takes a Clock instead of calling time.Now or
// time.NewTicker. Real returns the standard library behavior. Fake
// returns a clock that stands still until Advance or Set is called, so
// tests can assert exact creation times and trigger periodic work
// without sleeping.
package clock
