// Package sqlite runs the SQL journal on an embedded modernc sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/sqlstore"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS journal_head (
			id INTEGER PRIMARY KEY,
			position INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO journal_head (id, position) VALUES (1, 0)`,
		`CREATE TABLE IF NOT EXISTS journal (
			position INTEGER PRIMARY KEY,
			stream_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			manifest TEXT NOT NULL,
			payload BLOB NOT NULL,
			metadata BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (stream_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS projection_offsets (
			projection_id TEXT PRIMARY KEY,
			position INTEGER NOT NULL
		)`,
	}
}

// ForUpdate is empty, transactions are opened with BEGIN IMMEDIATE and hold
// the database write lock from the start.
func (Dialect) ForUpdate() string { return "" }

func (Dialect) SaveOffset() string {
	return `INSERT INTO projection_offsets (projection_id, position) VALUES (?, ?)
		ON CONFLICT (projection_id) DO UPDATE SET position = excluded.position
		WHERE excluded.position > projection_offsets.position`
}

func (Dialect) IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (Dialect) IsBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// Open opens or creates the database file at path.
func Open(ctx context.Context, path string) (*sqlstore.Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, journal.Unavailable("open sqlite", err)
	}
	// sqlite has a single writer.
	db.SetMaxOpenConns(1)
	j, err := sqlstore.New(ctx, db, Dialect{})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}
