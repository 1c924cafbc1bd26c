// Package database provides the SQLite-backed persistent store shared by the
// response cache and the metrics log.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrRetryExhausted is returned when an operation kept hitting transient
// contention errors for the full retry budget.
var ErrRetryExhausted = errors.New("database retry budget exhausted")

// Store wraps the pooled SQLite handle and the retry discipline.
type Store struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config contains the store configuration.
type Config struct {
	// Path is the SQLite database file, or ":memory:" for a shared
	// in-memory database.
	Path string
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int
	// MaxRetries is how many times a transiently failing operation is retried.
	MaxRetries int
	// BusyTimeout is handed to SQLite as the busy handler timeout.
	BusyTimeout time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Path:         ":memory:",
		MaxOpenConns: 5,
		MaxRetries:   10,
		BusyTimeout:  5 * time.Second,
	}
}

// Open opens the store, applies the connection pool bounds, and creates the
// schema. The in-memory path is rewritten to a shared-cache URI so every
// pooled connection sees the same data.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := dsnFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, cfg: cfg}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func dsnFor(cfg Config) (string, error) {
	params := fmt.Sprintf("_journal=WAL&_synchronous=NORMAL&_busy_timeout=%d", cfg.BusyTimeout.Milliseconds())
	if cfg.Path == ":memory:" {
		return "file::memory:?cache=shared&" + params, nil
	}
	if err := ensureDirExists(filepath.Dir(cfg.Path)); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return "file:" + cfg.Path + "?" + params, nil
}

// ensureDirExists creates the directory if it doesn't exist.
func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		body BLOB,
		headers TEXT,
		status INTEGER,
		created_at TIMESTAMP,
		ttl_seconds INTEGER,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_expiry ON cache_entries(created_at, ttl_seconds);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_last_accessed ON cache_entries(last_accessed);

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT,
		method TEXT,
		cache_hit BOOLEAN,
		response_time_ms INTEGER,
		response_size_bytes INTEGER,
		status_code INTEGER NOT NULL DEFAULT 200,
		timestamp TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_domain_timestamp ON metrics(domain, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the configured database path.
func (s *Store) Path() string {
	return s.path
}

// FileSize returns the on-disk size of the database file, or 0 for the
// in-memory store.
func (s *Store) FileSize() int64 {
	if s.path == ":memory:" {
		return 0
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Query runs a read statement, retrying on transient contention.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var err error
		rows, err = s.db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// QueryRow runs a single-row read statement. Errors surface at Scan time,
// so the retry discipline does not apply here.
func (s *Store) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Update runs a write statement and returns the number of affected rows,
// retrying on transient contention.
func (s *Store) Update(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Transaction executes fn inside a transaction, retrying the whole
// transaction on transient contention.
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// withRetry runs op, retrying transient SQLITE_BUSY/SQLITE_LOCKED failures
// with exponential back-off plus jitter, each sleep capped at one second.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		if sleep > time.Second {
			sleep = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr)
}

// isTransient reports whether the error is a contention error worth retrying.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// DB exposes the underlying sql.DB for packages that compose their own SQL.
func (s *Store) DB() *sql.DB {
	return s.db
}
