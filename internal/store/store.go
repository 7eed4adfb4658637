// Package store persists telemetry in a relational SQLite database:
// agents, sessions, conversations, a base events table, and one
// specialized row per event kind. All mutations run inside scoped
// transactions; reads offer filtered, paginated queries plus the
// aggregate surface the dashboard consumes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Environment variable overriding the database directory, used by the
// test harness.
const EnvTestDBDir = "CYLESTIO_TEST_DB_DIR"

const (
	dbFileName = "cylestio_monitor.db"

	// Pool sizing: 5 base connections plus 10 overflow, 30 s
	// acquisition window enforced via the SQLite busy timeout.
	maxOpenConns   = 15
	maxIdleConns   = 5
	connMaxIdle    = 2 * time.Minute
	busyTimeoutMS  = 30000
	connectTimeout = 10 * time.Second
)

// Options configures Open.
type Options struct {
	// Path is the database file. Empty resolves via ResolveDBPath.
	// ":memory:" opens an in-memory database.
	Path string

	Logger *slog.Logger
}

// Store wraps the SQLite connection pool.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// ResolveDBPath applies the path resolution order: explicit argument,
// then the test directory env var, then the platform user-data
// directory.
func ResolveDBPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if dir := os.Getenv(EnvTestDBDir); dir != "" {
		return filepath.Join(dir, dbFileName), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user data directory: %w", err)
	}
	return filepath.Join(base, "cylestio-monitor", dbFileName), nil
}

// Open resolves the database path, verifies the directory is writable,
// opens the pool, and creates or upgrades the schema.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	path := opts.Path
	if path != ":memory:" {
		resolved, err := ResolveDBPath(path)
		if err != nil {
			return nil, err
		}
		path = resolved
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		if err := checkWritable(dir); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsnFor(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// A pool of private in-memory connections would each see an
		// empty database; pin to one.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxIdleTime(connMaxIdle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsnFor(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		path, busyTimeoutMS)
}

func checkWritable(dir string) error {
	probe := filepath.Join(dir, ".cylestio_write_check")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}

// Path returns the resolved database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the pool for related stores and the CLI.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction: commit on nil error, rollback
// otherwise. All write paths go through here.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
