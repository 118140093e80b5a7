package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

const calColumns = `id, set_name, path, table_type, order_index, cal_field,
	valid_start_mjd, valid_end_mjd, status, solver_params, quality_metrics, created_at`

func scanCalArtifact(row interface{ Scan(...any) error }) (*types.CalArtifact, error) {
	var a types.CalArtifact
	var validEnd sql.NullFloat64
	var solverParams, qualityMetrics string
	err := row.Scan(
		&a.ID, &a.SetName, &a.Path, &a.Type, &a.OrderIndex, &a.CalField,
		&a.ValidStartMJD, &validEnd, &a.Status, &solverParams, &qualityMetrics,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if validEnd.Valid {
		a.ValidEndMJD = validEnd.Float64
	} else {
		a.ValidEndMJD = math.Inf(1)
	}
	a.SolverParams = jsonColumn(solverParams)
	a.QualityMetrics = jsonColumn(qualityMetrics)
	return &a, nil
}

// nullEndMJD maps an open-ended window (+Inf) onto NULL.
func nullEndMJD(v float64) sql.NullFloat64 {
	if math.IsInf(v, 1) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// insertCalArtifact registers an artifact. A duplicate
// (order_index, created_at) violates the table's UNIQUE constraint and maps
// to ErrConflict.
func insertCalArtifact(ctx context.Context, q dbtx, a *types.CalArtifact) (int64, error) {
	status := a.Status
	if status == "" {
		status = types.CalActive
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO cal_artifacts (
			set_name, path, table_type, order_index, cal_field,
			valid_start_mjd, valid_end_mjd, status, solver_params,
			quality_metrics, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.SetName, a.Path, a.Type, a.OrderIndex, a.CalField,
		a.ValidStartMJD, nullEndMJD(a.ValidEndMJD), status,
		jsonParam(a.SolverParams), jsonParam(a.QualityMetrics), a.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, fmt.Errorf("artifact with order_index %d at %s already registered: %w",
				a.OrderIndex, a.CreatedAt.UTC().Format(time.RFC3339), storage.ErrConflict)
		}
		return 0, fmt.Errorf("failed to insert calibration artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get artifact id: %w", err)
	}
	a.ID = id
	a.Status = status
	return id, nil
}

func getCalArtifact(ctx context.Context, q dbtx, id int64) (*types.CalArtifact, error) {
	// #nosec G201 - column list is a package constant
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM cal_artifacts WHERE id = ?`, calColumns), id)
	a, err := scanCalArtifact(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("calibration artifact %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration artifact %d: %w", id, err)
	}
	return a, nil
}

func listCalArtifacts(ctx context.Context, q dbtx, f storage.CalFilter) ([]*types.CalArtifact, error) {
	var where []string
	var args []any

	if f.SetName != "" {
		where = append(where, "set_name = ?")
		args = append(args, f.SetName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
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
		SELECT %s FROM cal_artifacts
		%s
		ORDER BY created_at DESC, id DESC
		%s
	`, calColumns, whereSQL, limitSQL)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*types.CalArtifact
	for rows.Next() {
		a, err := scanCalArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calibration artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// applyList returns the active artifacts whose half-open validity window
// covers the instant, ordered for application: order_index ascending, then
// newest first among equal indexes.
func applyList(ctx context.Context, q dbtx, atMJD float64) ([]*types.CalArtifact, error) {
	// #nosec G201 - column list is a package constant
	query := fmt.Sprintf(`
		SELECT %s FROM cal_artifacts
		WHERE status = 'active'
		  AND valid_start_mjd <= ?
		  AND (valid_end_mjd IS NULL OR valid_end_mjd > ?)
		ORDER BY order_index ASC, created_at DESC, id DESC
	`, calColumns)

	rows, err := q.QueryContext(ctx, query, atMJD, atMJD)
	if err != nil {
		return nil, fmt.Errorf("failed to build apply list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*types.CalArtifact
	for rows.Next() {
		a, err := scanCalArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calibration artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func setCalStatus(ctx context.Context, q dbtx, id int64, from, to types.CalStatus) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE cal_artifacts SET status = ? WHERE id = ? AND status = ?
	`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to set artifact %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// RetireCalSet retires every active artifact in a set in one transaction.
func (s *SQLiteStorage) RetireCalSet(ctx context.Context, setName string) (int, error) {
	var retired int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cal_artifacts SET status = 'retired'
			WHERE set_name = ? AND status = 'active'
		`, setName)
		if err != nil {
			return fmt.Errorf("failed to retire set %s: %w", setName, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		retired = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return retired, nil
}

// jsonParam renders a JSON column value, defaulting to an empty object.
func jsonParam(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// jsonColumn parses a stored JSON column, treating the empty object as
// absent.
func jsonColumn(s string) []byte {
	if s == "" || s == "{}" {
		return nil
	}
	return []byte(s)
}

// Store and transaction wrappers.

func (s *SQLiteStorage) InsertCalArtifact(ctx context.Context, a *types.CalArtifact) (int64, error) {
	return insertCalArtifact(ctx, s.db, a)
}

func (s *SQLiteStorage) GetCalArtifact(ctx context.Context, id int64) (*types.CalArtifact, error) {
	return getCalArtifact(ctx, s.db, id)
}

func (s *SQLiteStorage) ListCalArtifacts(ctx context.Context, f storage.CalFilter) ([]*types.CalArtifact, error) {
	return listCalArtifacts(ctx, s.db, f)
}

func (s *SQLiteStorage) ApplyList(ctx context.Context, atMJD float64) ([]*types.CalArtifact, error) {
	return applyList(ctx, s.db, atMJD)
}

func (s *SQLiteStorage) SetCalStatus(ctx context.Context, id int64, from, to types.CalStatus) (bool, error) {
	return setCalStatus(ctx, s.db, id, from, to)
}

func (t *txStorage) InsertCalArtifact(ctx context.Context, a *types.CalArtifact) (int64, error) {
	return insertCalArtifact(ctx, t.conn, a)
}

func (t *txStorage) GetCalArtifact(ctx context.Context, id int64) (*types.CalArtifact, error) {
	return getCalArtifact(ctx, t.conn, id)
}

func (t *txStorage) ListCalArtifacts(ctx context.Context, f storage.CalFilter) ([]*types.CalArtifact, error) {
	return listCalArtifacts(ctx, t.conn, f)
}

func (t *txStorage) ApplyList(ctx context.Context, atMJD float64) ([]*types.CalArtifact, error) {
	return applyList(ctx, t.conn, atMJD)
}

func (t *txStorage) SetCalStatus(ctx context.Context, id int64, from, to types.CalStatus) (bool, error) {
	return setCalStatus(ctx, t.conn, id, from, to)
}
