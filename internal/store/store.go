// Package store implements the Task Store (C1): durable sqlite-backed
// persistence for tasks, accounts, and keyword sets. All errors surfaced
// from this package are wrapped as task.KindStorageError; the orchestrator
// may retry them only during submission, never after a nonce has gone
// upstream.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/drawproxy/internal/task"
)

const (
	schemaVersion  = 1
	schemaChecksum = "drawproxy-v1-core-schema"
)

// Store is the sqlite-backed implementation of the Task Store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite database at path and brings its schema
// up to date. An empty path uses DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, wrapStorage("create db directory", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapStorage("open sqlite3", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DefaultDBPath returns the on-disk path used when no path is configured.
func DefaultDBPath() string {
	if dir := os.Getenv("DRAWPROXY_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "drawproxy.db")
	}
	return filepath.Join(".", "data", "drawproxy.db")
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return wrapStorage(fmt.Sprintf("set pragma %q", p), err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin migration tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return wrapStorage("create schema_migrations", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return wrapStorage("read migration max version", err)
	}
	if maxVersion > schemaVersion {
		return wrapStorage(fmt.Sprintf("db schema version %d is newer than supported %d", maxVersion, schemaVersion), nil)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return wrapStorage("read schema checksum", err)
		}
		if checksum != schemaChecksum {
			return wrapStorage(fmt.Sprintf("schema checksum mismatch: got %q want %q", checksum, schemaChecksum), nil)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			bot_family TEXT,
			backend_family TEXT,
			mode TEXT,
			prompt TEXT,
			prompt_en TEXT,
			description TEXT,
			image_url TEXT,
			image_urls JSON,
			buttons JSON,
			properties JSON,
			submit_time DATETIME,
			start_time DATETIME,
			finish_time DATETIME,
			fail_reason TEXT,
			progress TEXT,
			seed TEXT,
			instance_id TEXT,
			sub_instance_id TEXT,
			account_filter JSON,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			channel_id TEXT PRIMARY KEY,
			data JSON NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS keyword_sets (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			data JSON NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT,
			decision TEXT,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return wrapStorage("create schema object", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return wrapStorage("record schema version", err)
	}
	return tx.Commit()
}

// Backup snapshots the database to destPath using sqlite's VACUUM INTO,
// which produces a consistent copy without blocking concurrent readers.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return wrapStorage("create backup directory", err)
	}
	_ = os.Remove(destPath)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return wrapStorage("vacuum into backup", err)
	}
	return nil
}

// retryOnBusy retries f while sqlite reports BUSY/LOCKED, with bounded
// exponential backoff on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func wrapStorage(msg string, cause error) *task.Error {
	return task.NewError(task.KindStorageError, msg, cause)
}
