// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueHash returns a 64-character hex string that no other call in
// the process returns. The label only makes failures easier to read
// when the hash is logged next to its inputs.
//
//	taskhash := testutil.UniqueHash("task")
func UniqueHash(label string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s-%d", label, uniqueCounter.Add(1)))
	return hex.EncodeToString(sum[:])
}
