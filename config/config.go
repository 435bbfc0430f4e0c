// Package config reads ledger settings from the environment, after loading
// local_override.properties or .env when present.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iidesho/bragi/sbragi"
	"github.com/joho/godotenv"
)

type Backend string

const (
	InMemory   Backend = "inmemory"
	OnDisk     Backend = "ondisk"
	SQLite     Backend = "sqlite"
	MariaDB    Backend = "mariadb"
	EventStore Backend = "eventstore"
)

type Config struct {
	Backend         Backend       `env:"LEDGER_BACKEND" envDefault:"inmemory"`
	SQLitePath      string        `env:"LEDGER_SQLITE_PATH" envDefault:"ledger.db"`
	OnDiskDir       string        `env:"LEDGER_ONDISK_DIR" envDefault:"ledger"`
	MariaDBDSN      string        `env:"LEDGER_MARIADB_DSN"`
	EventStoreHost  string        `env:"LEDGER_EVENTSTORE_HOST" envDefault:"localhost:2113"`
	OffsetDir       string        `env:"LEDGER_OFFSET_DIR"`
	PollInterval    time.Duration `env:"LEDGER_POLL_INTERVAL" envDefault:"250ms"`
	BatchSize       int           `env:"LEDGER_BATCH_SIZE" envDefault:"256"`
	ConflictRetries int           `env:"LEDGER_CONFLICT_RETRIES" envDefault:"3"`
	RetryLimit      int           `env:"LEDGER_PROJECTION_RETRY_LIMIT" envDefault:"0"`
	RetryDelay      time.Duration `env:"LEDGER_PROJECTION_RETRY_DELAY" envDefault:"1s"`
	LogLevel        string        `env:"LEDGER_LOG_LEVEL" envDefault:"info"`
	PushGateway     string        `env:"LEDGER_PUSH_GATEWAY"`
	HTTPPort        uint16        `env:"LEDGER_HTTP_PORT" envDefault:"0"`
}

// Load reads local_override.properties, or .env if that is missing, into the
// environment and parses the result. Variables already set win over the files.
func Load() (Config, error) {
	err := godotenv.Load("local_override.properties")
	if err != nil {
		sbragi.WithoutEscalation().WithError(err).
			Debug("Error loading local_override.properties file", "file", "local_override.properties")
		err = godotenv.Load(".env")
		if err != nil {
			sbragi.WithoutEscalation().
				WithError(err).
				Debug("Error loading .env file", "file", ".env")
		}
	}
	return Parse()
}

// Parse reads the configuration from the environment only.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Backend {
	case InMemory, OnDisk, SQLite, EventStore:
	case MariaDB:
		if c.MariaDBDSN == "" {
			return fmt.Errorf("backend %s needs LEDGER_MARIADB_DSN", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, is %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, is %s", c.PollInterval)
	}
	if c.ConflictRetries < 0 || c.RetryLimit < 0 {
		return fmt.Errorf("retry counts can not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level is the log level as understood by sbragi handlers.
func (c Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return slog.Level(sbragi.LevelTrace), nil
	case "debug":
		return slog.Level(sbragi.LevelDebug), nil
	case "", "info":
		return slog.Level(sbragi.LevelInfo), nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.Level(sbragi.LevelError), nil
	}
	return slog.Level(sbragi.LevelInfo), fmt.Errorf("unknown log level %q", s)
}
