// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by the hash
// equivalence server, its client, and its on-disk Badger records.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same logical message always produces identical bytes, which keeps
// wire captures and stored records diffable.
//
// The decoder is strict about shape rather than content. Duplicate map
// keys are rejected (a request carrying two "outhash" fields is
// ambiguous and must not be resolved by whichever the decoder saw
// last), and nesting and collection sizes are capped well below the
// library defaults because no protocol message is deeper than two
// levels.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// All wire and storage types use `cbor` struct tags.
package codec
