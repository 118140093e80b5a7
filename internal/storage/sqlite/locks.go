package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// AcquireMSLock takes the advisory lock on a measurement-set path. The
// upsert's WHERE clause makes the whole check-and-take a single atomic
// statement: it succeeds when the path is unlocked, the holder's lease has
// expired, or the caller already holds it (refresh).
func (s *SQLiteStorage) AcquireMSLock(ctx context.Context, path, ownerJob string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ms_locks (path, owner_job, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			owner_job = excluded.owner_job,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE ms_locks.expires_at <= excluded.acquired_at
		   OR ms_locks.owner_job = excluded.owner_job
	`, path, ownerJob, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("measurement set %s: %w", path, storage.ErrLockHeld)
	}
	return nil
}

// ReleaseMSLock drops the lock if the caller still holds it. Releasing a
// lock someone else took over after expiry is a no-op.
func (s *SQLiteStorage) ReleaseMSLock(ctx context.Context, path, ownerJob string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM ms_locks WHERE path = ? AND owner_job = ?
	`, path, ownerJob)
	if err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", path, err)
	}
	return nil
}

// ReleaseLocksByOwner drops every lock a job holds. Called on job end so a
// failed job cannot leave measurement sets pinned until expiry.
func (s *SQLiteStorage) ReleaseLocksByOwner(ctx context.Context, ownerJob string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ms_locks WHERE owner_job = ?`, ownerJob)
	if err != nil {
		return 0, fmt.Errorf("failed to release locks for %s: %w", ownerJob, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ExpireMSLocks drops locks whose lease has lapsed.
func (s *SQLiteStorage) ExpireMSLocks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ms_locks WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStorage) ListMSLocks(ctx context.Context) ([]*types.MSLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, owner_job, acquired_at, expires_at FROM ms_locks ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*types.MSLock
	for rows.Next() {
		var l types.MSLock
		if err := rows.Scan(&l.Path, &l.OwnerJob, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}
