package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

const limitClause = " LIMIT ?"

// appendEvent writes one journal row. The journal is append-only; nothing
// ever updates or deletes it.
func appendEvent(ctx context.Context, q dbtx, ev *types.JobEvent) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO job_events (group_id, work_item_id, stage, event_type, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.GroupID, ev.WorkItemID, ev.Stage, ev.EventType, ev.Detail, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", ev.EventType, err)
	}
	return nil
}

func listEvents(ctx context.Context, q dbtx, f storage.EventFilter) ([]*types.JobEvent, error) {
	var where []string
	var args []any

	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.WorkItemID != "" {
		where = append(where, "work_item_id = ?")
		args = append(args, f.WorkItemID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
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
		SELECT id, group_id, work_item_id, stage, event_type, detail, created_at
		FROM job_events
		%s
		ORDER BY created_at DESC, id DESC
		%s
	`, whereSQL, limitSQL)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.JobEvent
	for rows.Next() {
		var ev types.JobEvent
		if err := rows.Scan(&ev.ID, &ev.GroupID, &ev.WorkItemID, &ev.Stage, &ev.EventType, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Store and transaction wrappers.

func (s *SQLiteStorage) AppendEvent(ctx context.Context, ev *types.JobEvent) error {
	return appendEvent(ctx, s.db, ev)
}

func (s *SQLiteStorage) ListEvents(ctx context.Context, f storage.EventFilter) ([]*types.JobEvent, error) {
	return listEvents(ctx, s.db, f)
}

func (t *txStorage) AppendEvent(ctx context.Context, ev *types.JobEvent) error {
	return appendEvent(ctx, t.conn, ev)
}

func (t *txStorage) ListEvents(ctx context.Context, f storage.EventFilter) ([]*types.JobEvent, error) {
	return listEvents(ctx, t.conn, f)
}
