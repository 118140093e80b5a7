// Package sqlite implements the storage.Store interface on SQLite.
//
// The driver is ncruces/go-sqlite3 (pure Go, WASM-backed), registered by the
// driver import below. The database runs in WAL mode with a busy timeout and
// foreign keys on; transactions are BEGIN IMMEDIATE so writers serialize at
// begin instead of deadlocking on lock upgrade.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/meridian-obs/contimg/internal/storage"
)

// SQLiteStorage implements storage.Store.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// compile-time interface check
var _ storage.Store = (*SQLiteStorage)(nil)

// New opens (creating if needed) the database at path and brings its schema
// up to date.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// _timefmt=sqlite stores timestamps in SQLite's fixed-width text format
	// so lexicographic comparison in SQL matches chronological order.
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_timefmt=sqlite" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// UnderlyingDB returns the raw database handle for diagnostics.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB {
	return s.db
}

// dbtx is the query surface shared by *sql.DB, *sql.Tx, and *sql.Conn.
// Per-namespace operation functions take a dbtx so the same code serves
// both auto-committed store calls and explicit transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStorage implements storage.Tx over a single connection holding an open
// BEGIN IMMEDIATE transaction.
type txStorage struct {
	conn *sql.Conn
}

var _ storage.Tx = (*txStorage)(nil)

// RunInTransaction executes fn inside a BEGIN IMMEDIATE transaction on a
// dedicated connection. fn returning nil commits; an error or panic rolls
// back.
func (s *SQLiteStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if err := fn(&txStorage{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry issues BEGIN IMMEDIATE, retrying on SQLITE_BUSY
// with exponential backoff. The busy_timeout pragma covers most contention;
// the retry loop covers the begin itself.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("failed to begin transaction after %d attempts: %w", attempts, err)
}

// withTx runs fn inside a database/sql transaction. The _txlock=immediate
// DSN option makes these immediate as well.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isBusyError checks for SQLITE_BUSY in its driver spellings.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isUniqueConstraintError checks if err is a UNIQUE constraint violation,
// used to map duplicate inserts onto storage.ErrConflict.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
