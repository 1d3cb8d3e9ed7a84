// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hashstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/hashserv/lib/clock"
	"github.com/bureau-foundation/hashserv/lib/equivalence"
	"github.com/bureau-foundation/hashserv/lib/sqlitepool"
)

// schemaVersion is stored in PRAGMA user_version. Bump it and add a
// step to migrations when the schema changes.
const schemaVersion = 1

var migrations = []string{
	// 0 -> 1
	`CREATE TABLE IF NOT EXISTS equivalences (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		method          TEXT    NOT NULL,
		taskhash        TEXT    NOT NULL,
		outhash         TEXT    NOT NULL,
		unihash         TEXT    NOT NULL,
		owner           TEXT    NOT NULL DEFAULT '',
		created         INTEGER NOT NULL,
		pn              TEXT    NOT NULL DEFAULT '',
		pv              TEXT    NOT NULL DEFAULT '',
		pr              TEXT    NOT NULL DEFAULT '',
		task            TEXT    NOT NULL DEFAULT '',
		outhash_siginfo TEXT    NOT NULL DEFAULT '',
		UNIQUE(method, outhash, taskhash)
	);
	CREATE INDEX IF NOT EXISTS equivalences_taskhash
		ON equivalences (method, taskhash, created);
	CREATE INDEX IF NOT EXISTS equivalences_outhash
		ON equivalences (method, outhash, created);`,
}

// SQLiteConfig holds the parameters for [OpenSQLite].
type SQLiteConfig struct {
	// Path is the database file. Required.
	Path string

	PoolSize    int
	RelaxedSync bool

	// Clock stamps created times. Nil means the real clock.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// SQLiteStore is the SQLite [equivalence.Store].
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

var _ equivalence.Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at cfg.Path and migrates it
// to the current schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("hashstore: Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	logger := cfg.Logger.With("backend", BackendSQLite)
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    cfg.PoolSize,
		RelaxedSync: cfg.RelaxedSync,
		Logger:      logger,
		Migrate:     migrate,
	})
	if err != nil {
		return nil, fmt.Errorf("hashstore: %w", err)
	}

	return &SQLiteStore{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

func migrate(conn *sqlite.Conn) error {
	var current int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			current = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}

	for version := current; version < schemaVersion; version++ {
		script := migrations[version] + fmt.Sprintf("\nPRAGMA user_version = %d;", version+1)
		if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
			return fmt.Errorf("migrating schema to version %d: %w", version+1, err)
		}
	}
	return nil
}

// LookupByTaskHash returns the unihash of the newest record for
// (method, taskhash).
func (s *SQLiteStore) LookupByTaskHash(ctx context.Context, method, taskhash string) (string, bool, error) {
	var unihash string
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT unihash FROM equivalences
			 WHERE method = ? AND taskhash = ?
			 ORDER BY created DESC, id DESC
			 LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{method, taskhash},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					unihash = stmt.ColumnText(0)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return "", false, storeError("lookup taskhash", err)
	}
	return unihash, found, nil
}

// LookupByOutHash returns the class unihash for (method, outhash).
func (s *SQLiteStore) LookupByOutHash(ctx context.Context, method, outhash string) (string, bool, error) {
	var unihash string
	var found bool
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		unihash, found, err = classUnihash(conn, method, outhash)
		return err
	})
	if err != nil {
		return "", false, storeError("lookup outhash", err)
	}
	return unihash, found, nil
}

// classUnihash reads the unihash of the oldest record in the class.
func classUnihash(conn *sqlite.Conn, method, outhash string) (string, bool, error) {
	var unihash string
	var found bool
	err := sqlitex.Execute(conn,
		`SELECT unihash FROM equivalences
		 WHERE method = ? AND outhash = ?
		 ORDER BY created ASC, id ASC
		 LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{method, outhash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				unihash = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	return unihash, found, err
}

// Insert commits record inside one IMMEDIATE transaction. The class
// read and the write share that transaction, so SQLite's single-writer
// lock serializes competing inserts.
func (s *SQLiteStore) Insert(ctx context.Context, record equivalence.Record) (equivalence.InsertResult, error) {
	if err := validateRecord(record); err != nil {
		return equivalence.InsertResult{}, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock.Now()
	}

	var result equivalence.InsertResult
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		var stored string
		var exists bool
		err := sqlitex.Execute(conn,
			`SELECT unihash FROM equivalences
			 WHERE method = ? AND outhash = ? AND taskhash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{record.Method, record.OutHash, record.TaskHash},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stored = stmt.ColumnText(0)
					exists = true
					return nil
				},
			})
		if err != nil {
			return err
		}
		if exists {
			result = equivalence.InsertResult{Unihash: stored}
			return nil
		}

		existing, _, err := classUnihash(conn, record.Method, record.OutHash)
		if err != nil {
			return err
		}
		unihash, err := chooseUnihash(record, existing)
		if err != nil {
			return err
		}

		err = sqlitex.Execute(conn,
			`INSERT INTO equivalences
				(method, taskhash, outhash, unihash, owner, created,
				 pn, pv, pr, task, outhash_siginfo)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					record.Method,
					record.TaskHash,
					record.OutHash,
					unihash,
					record.Owner,
					record.CreatedAt.UnixNano(),
					record.Metadata.PN,
					record.Metadata.PV,
					record.Metadata.PR,
					record.Metadata.Task,
					record.Metadata.OutHashSigInfo,
				},
			})
		if err != nil {
			return err
		}
		result = equivalence.InsertResult{Unihash: unihash, Inserted: true}
		return nil
	})
	if err != nil {
		return equivalence.InsertResult{}, storeError("insert", err)
	}
	return result, nil
}

// Stats counts records and distinct classes.
func (s *SQLiteStore) Stats(ctx context.Context) (equivalence.Stats, error) {
	var stats equivalence.Stats
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `SELECT COUNT(*) FROM equivalences`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Records = uint64(stmt.ColumnInt64(0))
				return nil
			},
		})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`SELECT COUNT(*) FROM (SELECT 1 FROM equivalences GROUP BY method, outhash)`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats.Classes = uint64(stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	if err != nil {
		return equivalence.Stats{}, storeError("stats", err)
	}
	return stats, nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}
