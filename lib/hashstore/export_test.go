// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func SetSchemaVersionForTest(store *SQLiteStore, version int) error {
	return store.pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", version), nil)
	})
}
