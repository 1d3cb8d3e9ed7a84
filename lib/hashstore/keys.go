// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashstore

import "encoding/binary"

// Key prefixes for the Badger backend. Every component after the
// prefix is uvarint-length-prefixed, so no component value can make
// two distinct tuples share a key.
const (
	prefixRecord byte = 'r' // method, outhash, taskhash -> storedRecord
	prefixClass  byte = 'c' // method, outhash -> unihash
	prefixTask   byte = 't' // method, taskhash -> taskHead
)

func compositeKey(prefix byte, components ...string) []byte {
	size := 1
	for _, component := range components {
		size += binary.MaxVarintLen64 + len(component)
	}
	key := make([]byte, 1, size)
	key[0] = prefix
	for _, component := range components {
		key = binary.AppendUvarint(key, uint64(len(component)))
		key = append(key, component...)
	}
	return key
}

func recordKey(method, outhash, taskhash string) []byte {
	return compositeKey(prefixRecord, method, outhash, taskhash)
}

func classKey(method, outhash string) []byte {
	return compositeKey(prefixClass, method, outhash)
}

func taskKey(method, taskhash string) []byte {
	return compositeKey(prefixTask, method, taskhash)
}
