package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// setMeta stores internal key/value state: the kernel version pin, schema
// bookkeeping, and similar.
func setMeta(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// getMeta returns the stored value, or "" when the key was never set.
func getMeta(ctx context.Context, q dbtx, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStorage) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, s.db, key, value)
}

func (s *SQLiteStorage) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, s.db, key)
}

func (t *txStorage) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, t.conn, key, value)
}

func (t *txStorage) GetMeta(ctx context.Context, key string) (string, error) {
	return getMeta(ctx, t.conn, key)
}
