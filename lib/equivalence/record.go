// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package equivalence

import (
	"context"
	"fmt"
	"time"
)

// MaxHashLength bounds method, taskhash, outhash, and unihash values.
// Hashes are opaque strings; the limit only keeps a misbehaving client
// from storing arbitrary payloads.
const MaxHashLength = 256

// Record is one committed observation: a client reported that TaskHash
// produced OutHash under Method, and the store assigned it Unihash.
type Record struct {
	Method   string
	TaskHash string
	OutHash  string
	Unihash  string

	// Owner identifies the reporting client. Audit only.
	Owner string

	// CreatedAt is the commit time. A zero value on insert means the
	// store stamps its own clock.
	CreatedAt time.Time

	Metadata Metadata
}

// Metadata is optional provenance sent by bitbake-style clients. It is
// stored with the record and never consulted during resolution.
type Metadata struct {
	PN             string `cbor:"pn,omitempty"`
	PV             string `cbor:"pv,omitempty"`
	PR             string `cbor:"pr,omitempty"`
	Task           string `cbor:"task,omitempty"`
	OutHashSigInfo string `cbor:"outhash_siginfo,omitempty"`
}

// ClassKey identifies an equivalence class.
type ClassKey struct {
	Method  string
	OutHash string
}

// InsertResult is the outcome of [Store.Insert].
type InsertResult struct {
	// Unihash is the unihash now stored for the record's
	// (method, taskhash, outhash).
	Unihash string

	// Inserted is false when the exact triple was already stored and
	// the insert was a no-op.
	Inserted bool
}

// Stats are aggregate store counts.
type Stats struct {
	Records uint64
	Classes uint64
}

// Store is the durable table of equivalence records. Implementations
// must be safe for concurrent use.
type Store interface {
	// LookupByTaskHash returns the unihash of the most recently
	// committed record for (method, taskhash).
	LookupByTaskHash(ctx context.Context, method, taskhash string) (unihash string, found bool, err error)

	// LookupByOutHash returns the unihash assigned to the class
	// (method, outhash), which is the unihash of its first record.
	LookupByOutHash(ctx context.Context, method, outhash string) (unihash string, found bool, err error)

	// Insert commits record atomically.
	//
	// If (method, taskhash, outhash) is already stored, nothing is
	// written and the stored unihash is returned with Inserted=false.
	//
	// If record.Unihash is empty the store chooses it: the class
	// unihash when the class exists, otherwise the taskhash. If
	// record.Unihash is set and the class exists with a different
	// unihash, Insert writes nothing and returns a *ConflictError.
	//
	// Backend failures are returned as *StoreError.
	Insert(ctx context.Context, record Record) (InsertResult, error)

	// Stats returns record and class counts. Counts may lag writes
	// that are committing concurrently.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the backend. The store is unusable afterwards.
	Close() error
}

// Report is a client's claim that TaskHash produced OutHash.
type Report struct {
	Method   string
	TaskHash string
	OutHash  string

	// Unihash is the client's proposal for a new class. Ignored when
	// the class already exists. Empty means the task hash.
	Unihash string

	Owner    string
	Metadata Metadata
}

// Validate checks that the required fields are present and bounded.
func (r Report) Validate() error {
	if err := ValidateField("method", r.Method); err != nil {
		return err
	}
	if err := ValidateField("taskhash", r.TaskHash); err != nil {
		return err
	}
	if err := ValidateField("outhash", r.OutHash); err != nil {
		return err
	}
	if len(r.Unihash) > MaxHashLength {
		return fmt.Errorf("%w: unihash longer than %d bytes", ErrInvalidRequest, MaxHashLength)
	}
	return nil
}

// ValidateField checks one required hash-like field.
func ValidateField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing required field %q", ErrInvalidRequest, name)
	}
	if len(value) > MaxHashLength {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidRequest, name, MaxHashLength)
	}
	return nil
}
