package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

const groupColumns = `group_id, state, received_at, last_update, expected_subbands,
	subbands_present, retry_count, error_message, calibrator_name,
	calibrator_flux_jy, calibrator_separation_deg, ra_deg, dec_deg, obs_mjd`

func scanGroup(row interface{ Scan(...any) error }) (*types.Group, error) {
	var g types.Group
	var calName string
	var calFlux, calSep, ra, dec, obs sql.NullFloat64
	err := row.Scan(
		&g.ID, &g.State, &g.ReceivedAt, &g.LastUpdate, &g.ExpectedSubbands,
		&g.SubbandsPresent, &g.RetryCount, &g.ErrorMessage, &calName,
		&calFlux, &calSep, &ra, &dec, &obs,
	)
	if err != nil {
		return nil, err
	}
	if calName != "" {
		g.Calibrator = &types.CalibratorMatch{
			Name:          calName,
			FluxJy:        calFlux.Float64,
			SeparationDeg: calSep.Float64,
		}
	}
	g.RADeg = ra.Float64
	g.DecDeg = dec.Float64
	g.ObsMJD = obs.Float64
	return &g, nil
}

// upsertGroup inserts a group or, when it already exists, refreshes only
// last_update. State and counters are owned by their dedicated operations.
func upsertGroup(ctx context.Context, q dbtx, g *types.Group) error {
	state := g.State
	if state == "" {
		state = types.GroupCollecting
	}
	expected := g.ExpectedSubbands
	if expected == 0 {
		expected = types.DefaultExpectedSubbands
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO groups (
			group_id, state, received_at, last_update, expected_subbands,
			subbands_present, retry_count, error_message, calibrator_name,
			calibrator_flux_jy, calibrator_separation_deg, ra_deg, dec_deg, obs_mjd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET last_update = excluded.last_update
	`,
		g.ID, state, g.ReceivedAt.UTC(), g.LastUpdate.UTC(), expected,
		g.SubbandsPresent, g.RetryCount, g.ErrorMessage, calibratorName(g.Calibrator),
		calibratorFlux(g.Calibrator), calibratorSep(g.Calibrator),
		nullMJD(g.RADeg), nullMJD(g.DecDeg), nullMJD(g.ObsMJD),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group %s: %w", g.ID, err)
	}
	return nil
}

func calibratorName(m *types.CalibratorMatch) string {
	if m == nil {
		return ""
	}
	return m.Name
}

func calibratorFlux(m *types.CalibratorMatch) sql.NullFloat64 {
	if m == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: m.FluxJy, Valid: true}
}

func calibratorSep(m *types.CalibratorMatch) sql.NullFloat64 {
	if m == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: m.SeparationDeg, Valid: true}
}

// nullMJD maps the zero value onto NULL. MJD zero is 1858, far outside any
// observation this pipeline will see, and pointing zero means unprobed.
func nullMJD(v float64) sql.NullFloat64 {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func getGroup(ctx context.Context, q dbtx, id string) (*types.Group, error) {
	// #nosec G201 - column list is a package constant
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM groups WHERE group_id = ?`, groupColumns), id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %s: %w", id, err)
	}
	return g, nil
}

func listGroups(ctx context.Context, q dbtx, f storage.GroupFilter) ([]*types.Group, error) {
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
	if !f.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, f.Since.UTC())
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
		SELECT %s FROM groups
		%s
		ORDER BY received_at DESC
		%s
	`, groupColumns, whereSQL, limitSQL)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*types.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return groups, nil
}

func groupStats(ctx context.Context, q dbtx) (map[types.GroupState]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT state, COUNT(*) FROM groups GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to get group stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[types.GroupState]int)
	for rows.Next() {
		var state types.GroupState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan group stats: %w", err)
		}
		stats[state] = n
	}
	return stats, rows.Err()
}

func transitionGroup(ctx context.Context, q dbtx, id string, from, to types.GroupState, now time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("group transition %s -> %s not allowed", from, to)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE groups SET state = ?, last_update = ?
		WHERE group_id = ? AND state = ?
	`, to, now.UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition group %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func setGroupPointing(ctx context.Context, q dbtx, id string, raDeg, decDeg, obsMJD float64, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE groups SET ra_deg = ?, dec_deg = ?, obs_mjd = ?, last_update = ?
		WHERE group_id = ?
	`, raDeg, decDeg, obsMJD, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set group pointing: %w", err)
	}
	return requireRow(res, "group", id)
}

func setGroupCalibrator(ctx context.Context, q dbtx, id string, m *types.CalibratorMatch, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE groups SET calibrator_name = ?, calibrator_flux_jy = ?,
			calibrator_separation_deg = ?, last_update = ?
		WHERE group_id = ?
	`, calibratorName(m), calibratorFlux(m), calibratorSep(m), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set group calibrator: %w", err)
	}
	return requireRow(res, "group", id)
}

func setGroupError(ctx context.Context, q dbtx, id, msg string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE groups SET error_message = ?, last_update = ? WHERE group_id = ?
	`, msg, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set group error: %w", err)
	}
	return requireRow(res, "group", id)
}

func incrementGroupRetry(ctx context.Context, q dbtx, id string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE groups SET retry_count = retry_count + 1, last_update = ? WHERE group_id = ?
	`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to increment group retry count: %w", err)
	}
	return requireRow(res, "group", id)
}

// resetGroupForRetry moves a failed group back to pending. Zero rows
// affected is not an error: the group may already be mid-flight.
func resetGroupForRetry(ctx context.Context, q dbtx, id string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE groups SET state = 'pending', error_message = '', last_update = ?
		WHERE group_id = ? AND state = 'failed'
	`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset group %s: %w", id, err)
	}
	return nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

// upsertSubband records a subband file, reporting true when the row is new.
// A repeat observation refreshes path, size, and mtime.
func upsertSubband(ctx context.Context, q dbtx, sb *types.Subband) (bool, error) {
	var existing string
	err := q.QueryRowContext(ctx, `
		SELECT path FROM subbands WHERE group_id = ? AND subband_idx = ?
	`, sb.GroupID, sb.Index).Scan(&existing)

	if err == sql.ErrNoRows {
		_, err := q.ExecContext(ctx, `
			INSERT INTO subbands (group_id, subband_idx, path, size, mtime_ns, discovered_at, stored)
			VALUES (?, ?, ?, ?, ?, ?, 1)
		`, sb.GroupID, sb.Index, sb.Path, sb.Size, sb.MTimeNS, sb.DiscoveredAt.UTC())
		if err != nil {
			return false, fmt.Errorf("failed to insert subband %s/%d: %w", sb.GroupID, sb.Index, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check subband %s/%d: %w", sb.GroupID, sb.Index, err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE subbands SET path = ?, size = ?, mtime_ns = ?
		WHERE group_id = ? AND subband_idx = ?
	`, sb.Path, sb.Size, sb.MTimeNS, sb.GroupID, sb.Index)
	if err != nil {
		return false, fmt.Errorf("failed to refresh subband %s/%d: %w", sb.GroupID, sb.Index, err)
	}
	return false, nil
}

func listSubbands(ctx context.Context, q dbtx, groupID string) ([]*types.Subband, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT group_id, subband_idx, path, size, mtime_ns, discovered_at, stored
		FROM subbands WHERE group_id = ? ORDER BY subband_idx
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subbands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subbands []*types.Subband
	for rows.Next() {
		var sb types.Subband
		if err := rows.Scan(&sb.GroupID, &sb.Index, &sb.Path, &sb.Size, &sb.MTimeNS, &sb.DiscoveredAt, &sb.Stored); err != nil {
			return nil, fmt.Errorf("failed to scan subband: %w", err)
		}
		subbands = append(subbands, &sb)
	}
	return subbands, rows.Err()
}

// refreshSubbandCount recomputes subbands_present from stored subband rows
// and returns the new count.
func refreshSubbandCount(ctx context.Context, q dbtx, groupID string, now time.Time) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE groups SET subbands_present = (
			SELECT COUNT(*) FROM subbands WHERE group_id = ? AND stored = 1
		), last_update = ?
		WHERE group_id = ?
	`, groupID, now.UTC(), groupID)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh subband count: %w", err)
	}
	if err := requireRow(res, "group", groupID); err != nil {
		return 0, err
	}

	var n int
	err = q.QueryRowContext(ctx, `SELECT subbands_present FROM groups WHERE group_id = ?`, groupID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read subband count: %w", err)
	}
	return n, nil
}

// Store and transaction wrappers.

func (s *SQLiteStorage) UpsertGroup(ctx context.Context, g *types.Group) error {
	return upsertGroup(ctx, s.db, g)
}

func (s *SQLiteStorage) GetGroup(ctx context.Context, id string) (*types.Group, error) {
	return getGroup(ctx, s.db, id)
}

func (s *SQLiteStorage) ListGroups(ctx context.Context, f storage.GroupFilter) ([]*types.Group, error) {
	return listGroups(ctx, s.db, f)
}

func (s *SQLiteStorage) GroupStats(ctx context.Context) (map[types.GroupState]int, error) {
	return groupStats(ctx, s.db)
}

func (s *SQLiteStorage) TransitionGroup(ctx context.Context, id string, from, to types.GroupState) (bool, error) {
	return transitionGroup(ctx, s.db, id, from, to, time.Now())
}

func (s *SQLiteStorage) SetGroupPointing(ctx context.Context, id string, raDeg, decDeg, obsMJD float64) error {
	return setGroupPointing(ctx, s.db, id, raDeg, decDeg, obsMJD, time.Now())
}

func (s *SQLiteStorage) SetGroupCalibrator(ctx context.Context, id string, m *types.CalibratorMatch) error {
	return setGroupCalibrator(ctx, s.db, id, m, time.Now())
}

func (s *SQLiteStorage) SetGroupError(ctx context.Context, id, msg string) error {
	return setGroupError(ctx, s.db, id, msg, time.Now())
}

func (s *SQLiteStorage) IncrementGroupRetry(ctx context.Context, id string) error {
	return incrementGroupRetry(ctx, s.db, id, time.Now())
}

func (s *SQLiteStorage) ResetGroupForRetry(ctx context.Context, id string) error {
	return resetGroupForRetry(ctx, s.db, id, time.Now())
}

func (s *SQLiteStorage) UpsertSubband(ctx context.Context, sb *types.Subband) (bool, error) {
	return upsertSubband(ctx, s.db, sb)
}

func (s *SQLiteStorage) ListSubbands(ctx context.Context, groupID string) ([]*types.Subband, error) {
	return listSubbands(ctx, s.db, groupID)
}

func (s *SQLiteStorage) RefreshSubbandCount(ctx context.Context, groupID string) (int, error) {
	return refreshSubbandCount(ctx, s.db, groupID, time.Now())
}

func (t *txStorage) UpsertGroup(ctx context.Context, g *types.Group) error {
	return upsertGroup(ctx, t.conn, g)
}

func (t *txStorage) GetGroup(ctx context.Context, id string) (*types.Group, error) {
	return getGroup(ctx, t.conn, id)
}

func (t *txStorage) ListGroups(ctx context.Context, f storage.GroupFilter) ([]*types.Group, error) {
	return listGroups(ctx, t.conn, f)
}

func (t *txStorage) GroupStats(ctx context.Context) (map[types.GroupState]int, error) {
	return groupStats(ctx, t.conn)
}

func (t *txStorage) TransitionGroup(ctx context.Context, id string, from, to types.GroupState) (bool, error) {
	return transitionGroup(ctx, t.conn, id, from, to, time.Now())
}

func (t *txStorage) SetGroupPointing(ctx context.Context, id string, raDeg, decDeg, obsMJD float64) error {
	return setGroupPointing(ctx, t.conn, id, raDeg, decDeg, obsMJD, time.Now())
}

func (t *txStorage) SetGroupCalibrator(ctx context.Context, id string, m *types.CalibratorMatch) error {
	return setGroupCalibrator(ctx, t.conn, id, m, time.Now())
}

func (t *txStorage) SetGroupError(ctx context.Context, id, msg string) error {
	return setGroupError(ctx, t.conn, id, msg, time.Now())
}

func (t *txStorage) IncrementGroupRetry(ctx context.Context, id string) error {
	return incrementGroupRetry(ctx, t.conn, id, time.Now())
}

func (t *txStorage) ResetGroupForRetry(ctx context.Context, id string) error {
	return resetGroupForRetry(ctx, t.conn, id, time.Now())
}

func (t *txStorage) UpsertSubband(ctx context.Context, sb *types.Subband) (bool, error) {
	return upsertSubband(ctx, t.conn, sb)
}

func (t *txStorage) ListSubbands(ctx context.Context, groupID string) ([]*types.Subband, error) {
	return listSubbands(ctx, t.conn, groupID)
}

func (t *txStorage) RefreshSubbandCount(ctx context.Context, groupID string) (int, error) {
	return refreshSubbandCount(ctx, t.conn, groupID, time.Now())
}
