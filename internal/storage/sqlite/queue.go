package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

const workColumns = `id, job_type, payload, state, lease_owner, lease_deadline,
	retry_count, max_retries, next_attempt_at, last_error, created_at, updated_at`

func scanWorkItem(row interface{ Scan(...any) error }) (*types.WorkItem, error) {
	var item types.WorkItem
	var payload string
	var leaseOwner sql.NullString
	var leaseDeadline sql.NullTime
	err := row.Scan(
		&item.ID, &item.JobType, &payload, &item.State, &leaseOwner, &leaseDeadline,
		&item.RetryCount, &item.MaxRetries, &item.NextAttemptAt, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if leaseOwner.Valid {
		item.LeaseOwner = leaseOwner.String
	}
	if leaseDeadline.Valid {
		item.LeaseDeadline = &leaseDeadline.Time
	}
	return &item, nil
}

// enqueueWork inserts a work item, assigning an id and arming it for
// immediate claim unless the caller set next_attempt_at.
func enqueueWork(ctx context.Context, q dbtx, item *types.WorkItem, now time.Time) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if len(item.Payload) == 0 {
		item.Payload = json.RawMessage("{}")
	}
	if item.State == "" {
		item.State = types.WorkPending
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = now
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO work_items (
			id, job_type, payload, state, retry_count, max_retries,
			next_attempt_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.JobType, string(item.Payload), item.State,
		item.RetryCount, item.MaxRetries, item.NextAttemptAt.UTC(),
		item.LastError, item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s work: %w", item.JobType, err)
	}
	return nil
}

func getWorkItem(ctx context.Context, q dbtx, id string) (*types.WorkItem, error) {
	// #nosec G201 - column list is a package constant
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM work_items WHERE id = ?`, workColumns), id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("work item %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %s: %w", id, err)
	}
	return item, nil
}

func listWork(ctx context.Context, q dbtx, f storage.WorkFilter) ([]*types.WorkItem, error) {
	var where []string
	var args []any

	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, s := range f.States {
			ph[i] = "?"
			args = append(args, s)
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	if f.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, f.JobType)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	limitSQL := ""
	if f.Limit > 0 {
		limitSQL = limitClause
		args = append(args, f.Limit)
	}

	// #nosec G201 - safe SQL with controlled formatting
	query := fmt.Sprintf(`
		SELECT %s FROM work_items
		%s
		ORDER BY next_attempt_at, id
		%s
	`, workColumns, whereSQL, limitSQL)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func heartbeatWork(ctx context.Context, q dbtx, id, owner string, deadline, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE work_items SET lease_deadline = ?, updated_at = ?
		WHERE id = ? AND state = 'in_progress' AND lease_owner = ?
	`, deadline.UTC(), now.UTC(), id, owner)
	if err != nil {
		return fmt.Errorf("failed to heartbeat work item %s: %w", id, err)
	}
	return requireLease(res, id)
}

func completeWork(ctx context.Context, q dbtx, id, owner string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE work_items SET state = 'completed', lease_owner = NULL,
			lease_deadline = NULL, updated_at = ?
		WHERE id = ? AND state = 'in_progress' AND lease_owner = ?
	`, now.UTC(), id, owner)
	if err != nil {
		return fmt.Errorf("failed to complete work item %s: %w", id, err)
	}
	return requireLease(res, id)
}

// failWork records a failed attempt. Retryable failures with budget left
// re-arm as pending at nextAttempt; everything else goes dead. Column
// references in the SET expressions read pre-update values, so both CASE
// arms test the same retry_count.
func failWork(ctx context.Context, q dbtx, id, owner, errMsg string, retryable bool, nextAttempt, now time.Time) (types.WorkState, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE work_items SET
			state = CASE WHEN ? AND retry_count < max_retries THEN 'pending' ELSE 'dead' END,
			next_attempt_at = CASE WHEN ? AND retry_count < max_retries THEN ? ELSE next_attempt_at END,
			retry_count = retry_count + 1,
			last_error = ?,
			lease_owner = NULL,
			lease_deadline = NULL,
			updated_at = ?
		WHERE id = ? AND state = 'in_progress' AND lease_owner = ?
	`, retryable, retryable, nextAttempt.UTC(), errMsg, now.UTC(), id, owner)
	if err != nil {
		return "", fmt.Errorf("failed to fail work item %s: %w", id, err)
	}
	if err := requireLease(res, id); err != nil {
		return "", err
	}

	var state types.WorkState
	if err := q.QueryRowContext(ctx, `SELECT state FROM work_items WHERE id = ?`, id).Scan(&state); err != nil {
		return "", fmt.Errorf("failed to read work item state: %w", err)
	}
	return state, nil
}

func markWorkFailed(ctx context.Context, q dbtx, id, errMsg string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE work_items SET state = 'failed', last_error = ?, lease_owner = NULL,
			lease_deadline = NULL, updated_at = ?
		WHERE id = ?
	`, errMsg, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark work item %s failed: %w", id, err)
	}
	return requireRow(res, "work item", id)
}

func requeueWork(ctx context.Context, q dbtx, id string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE work_items SET state = 'pending', retry_count = 0,
			next_attempt_at = ?, last_error = '', updated_at = ?
		WHERE id = ? AND state IN ('dead','failed')
	`, now.UTC(), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue work item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("work item %s is not dead or failed: %w", id, storage.ErrConflict)
	}
	return nil
}

func getQueueStats(ctx context.Context, q dbtx) (*storage.QueueStats, error) {
	rows, err := q.QueryContext(ctx, `SELECT state, COUNT(*) FROM work_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &storage.QueueStats{ByState: make(map[types.WorkState]int)}
	for rows.Next() {
		var state types.WorkState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats.ByState[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}

	var oldest sql.NullTime
	err = q.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM work_items WHERE state = 'pending'
	`).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get oldest pending item: %w", err)
	}
	if oldest.Valid {
		stats.OldestRunTime = &oldest.Time
	}
	return stats, nil
}

// requireLease converts a zero-row lease-conditional update into
// ErrStaleLease.
func requireLease(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("work item %s: %w", id, storage.ErrStaleLease)
	}
	return nil
}

// ClaimNextWork atomically claims the due pending item with the smallest
// (next_attempt_at, id). The select and update share one immediate
// transaction, so concurrent claimers produce exactly one winner.
// Returns (nil, nil) when nothing is claimable.
func (s *SQLiteStorage) ClaimNextWork(ctx context.Context, owner string, leaseDuration time.Duration) (*types.WorkItem, error) {
	now := time.Now().UTC()
	deadline := now.Add(leaseDuration)

	var claimed *types.WorkItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// #nosec G201 - column list is a package constant
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT %s FROM work_items
			WHERE state = 'pending' AND next_attempt_at <= ?
			ORDER BY next_attempt_at, id
			LIMIT 1
		`, workColumns), now)

		item, err := scanWorkItem(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select claimable work: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE work_items SET state = 'in_progress', lease_owner = ?,
				lease_deadline = ?, updated_at = ?
			WHERE id = ?
		`, owner, deadline, now, item.ID)
		if err != nil {
			return fmt.Errorf("failed to claim work item %s: %w", item.ID, err)
		}

		item.State = types.WorkInProgress
		item.LeaseOwner = owner
		item.LeaseDeadline = &deadline
		item.UpdatedAt = now
		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReclaimExpiredWork reverts expired leases to pending, counting each as a
// failed attempt; items out of budget go dead. Every reclaim is journaled.
func (s *SQLiteStorage) ReclaimExpiredWork(ctx context.Context) (int, int, error) {
	now := time.Now().UTC()
	var reclaimed, deadLettered int

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, lease_owner, retry_count, max_retries
			FROM work_items
			WHERE state = 'in_progress' AND lease_deadline < ?
		`, now)
		if err != nil {
			return fmt.Errorf("failed to select expired leases: %w", err)
		}

		type expired struct {
			id        string
			owner     string
			exhausted bool
		}
		var items []expired
		for rows.Next() {
			var e expired
			var owner sql.NullString
			var retryCount, maxRetries int
			if err := rows.Scan(&e.id, &owner, &retryCount, &maxRetries); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan expired lease: %w", err)
			}
			e.owner = owner.String
			e.exhausted = retryCount >= maxRetries
			items = append(items, e)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("error iterating expired leases: %w", err)
		}

		for _, e := range items {
			state := "pending"
			if e.exhausted {
				state = "dead"
				deadLettered++
			} else {
				reclaimed++
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE work_items SET state = ?, retry_count = retry_count + 1,
					next_attempt_at = ?, lease_owner = NULL, lease_deadline = NULL,
					last_error = ?, updated_at = ?
				WHERE id = ?
			`, state, now,
				fmt.Sprintf("lease expired (owner %s)", e.owner), now, e.id)
			if err != nil {
				return fmt.Errorf("failed to reclaim work item %s: %w", e.id, err)
			}

			if err := appendEvent(ctx, tx, &types.JobEvent{
				WorkItemID: e.id,
				EventType:  types.EventLeaseReclaimed,
				Detail:     fmt.Sprintf("owner %s lost lease; item now %s", e.owner, state),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return reclaimed, deadLettered, nil
}

// Store and transaction wrappers.

func (s *SQLiteStorage) EnqueueWork(ctx context.Context, item *types.WorkItem) error {
	return enqueueWork(ctx, s.db, item, time.Now())
}

func (s *SQLiteStorage) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	return getWorkItem(ctx, s.db, id)
}

func (s *SQLiteStorage) ListWork(ctx context.Context, f storage.WorkFilter) ([]*types.WorkItem, error) {
	return listWork(ctx, s.db, f)
}

func (s *SQLiteStorage) HeartbeatWork(ctx context.Context, id, owner string, deadline time.Time) error {
	return heartbeatWork(ctx, s.db, id, owner, deadline, time.Now())
}

func (s *SQLiteStorage) CompleteWork(ctx context.Context, id, owner string) error {
	return completeWork(ctx, s.db, id, owner, time.Now())
}

func (s *SQLiteStorage) FailWork(ctx context.Context, id, owner, errMsg string, retryable bool, nextAttempt time.Time) (types.WorkState, error) {
	return failWork(ctx, s.db, id, owner, errMsg, retryable, nextAttempt, time.Now())
}

func (s *SQLiteStorage) MarkWorkFailed(ctx context.Context, id, errMsg string) error {
	return markWorkFailed(ctx, s.db, id, errMsg, time.Now())
}

func (s *SQLiteStorage) RequeueWork(ctx context.Context, id string) error {
	return requeueWork(ctx, s.db, id, time.Now())
}

func (s *SQLiteStorage) GetQueueStats(ctx context.Context) (*storage.QueueStats, error) {
	return getQueueStats(ctx, s.db)
}

func (t *txStorage) EnqueueWork(ctx context.Context, item *types.WorkItem) error {
	return enqueueWork(ctx, t.conn, item, time.Now())
}

func (t *txStorage) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	return getWorkItem(ctx, t.conn, id)
}

func (t *txStorage) ListWork(ctx context.Context, f storage.WorkFilter) ([]*types.WorkItem, error) {
	return listWork(ctx, t.conn, f)
}

func (t *txStorage) HeartbeatWork(ctx context.Context, id, owner string, deadline time.Time) error {
	return heartbeatWork(ctx, t.conn, id, owner, deadline, time.Now())
}

func (t *txStorage) CompleteWork(ctx context.Context, id, owner string) error {
	return completeWork(ctx, t.conn, id, owner, time.Now())
}

func (t *txStorage) FailWork(ctx context.Context, id, owner, errMsg string, retryable bool, nextAttempt time.Time) (types.WorkState, error) {
	return failWork(ctx, t.conn, id, owner, errMsg, retryable, nextAttempt, time.Now())
}

func (t *txStorage) MarkWorkFailed(ctx context.Context, id, errMsg string) error {
	return markWorkFailed(ctx, t.conn, id, errMsg, time.Now())
}

func (t *txStorage) RequeueWork(ctx context.Context, id string) error {
	return requeueWork(ctx, t.conn, id, time.Now())
}

func (t *txStorage) GetQueueStats(ctx context.Context) (*storage.QueueStats, error) {
	return getQueueStats(ctx, t.conn)
}
