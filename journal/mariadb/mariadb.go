// Package mariadb runs the SQL journal on MariaDB or MySQL.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/journal"
	"github.com/iidesho/ledger/journal/sqlstore"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

const (
	errDuplicateEntry   = 1062
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

type Dialect struct{}

func (Dialect) Name() string { return "mariadb" }

func (Dialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS journal_head (
			id TINYINT UNSIGNED PRIMARY KEY,
			position BIGINT UNSIGNED NOT NULL
		) ENGINE=InnoDB`,
		`INSERT IGNORE INTO journal_head (id, position) VALUES (1, 0)`,
		`CREATE TABLE IF NOT EXISTS journal (
			position BIGINT UNSIGNED PRIMARY KEY,
			stream_id VARCHAR(255) NOT NULL,
			seq BIGINT UNSIGNED NOT NULL,
			event_id CHAR(36) NOT NULL,
			manifest VARCHAR(255) NOT NULL,
			payload LONGBLOB NOT NULL,
			metadata LONGBLOB NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE KEY stream_seq (stream_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
		`CREATE TABLE IF NOT EXISTS projection_offsets (
			projection_id VARCHAR(255) PRIMARY KEY,
			position BIGINT UNSIGNED NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
	}
}

func (Dialect) ForUpdate() string { return " FOR UPDATE" }

func (Dialect) SaveOffset() string {
	return `INSERT INTO projection_offsets (projection_id, position) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE position = GREATEST(position, VALUES(position))`
}

func (Dialect) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}

func (Dialect) IsBusy(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errDeadlockDetected || myErr.Number == errLockWaitTimeout
}

// Open connects with a go-sql-driver DSN, e.g.
// "user:pass@tcp(127.0.0.1:3306)/ledger".
func Open(ctx context.Context, dsn string) (*sqlstore.Journal, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, journal.Unavailable("open mariadb", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	j, err := sqlstore.New(ctx, db, Dialect{})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("connected to mariadb", "addr", cfg.Addr, "database", cfg.DBName)
	return j, nil
}
