// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package equivalence

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks malformed input. Not retryable.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConflict marks a write that would give one class two
	// unihashes. Every *ConflictError matches it with errors.Is.
	ErrConflict = errors.New("equivalence conflict")

	// ErrLockTimeout is returned when a report waits longer than the
	// configured limit for its class lock. Retryable.
	ErrLockTimeout = errors.New("timed out waiting for equivalence class")
)

// ConflictError describes a refused write.
type ConflictError struct {
	Method   string
	OutHash  string
	Existing string
	Proposed string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("equivalence conflict: class (%s, %s) has unihash %s, refusing %s",
		e.Method, e.OutHash, e.Existing, e.Proposed)
}

// Is makes errors.Is(err, ErrConflict) true for any *ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StoreError wraps a backend failure. Nothing from the failed
// operation is visible to readers, so the caller may retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports true: storage failures are transient from the
// client's point of view.
func (e *StoreError) Retryable() bool { return true }

// IsRetryable reports whether a client may retry the operation that
// produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return false
}
