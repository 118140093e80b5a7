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

const productColumns = `data_id, data_type, group_id, stage_path, published_path,
	state, qa_status, validation_status, finalization_status, photometry_status,
	auto_publish, publish_attempts, publish_error, metadata, creator_stage,
	job_id, ra_deg, dec_deg, obs_start_mjd, obs_end_mjd,
	created_at, staged_at, published_at, retracted_at`

func scanProduct(row interface{ Scan(...any) error }) (*types.Product, error) {
	var p types.Product
	var photometry sql.NullString
	var metadata string
	var ra, dec, obsStart, obsEnd sql.NullFloat64
	var stagedAt, publishedAt, retractedAt sql.NullTime
	err := row.Scan(
		&p.DataID, &p.DataType, &p.GroupID, &p.StagePath, &p.PublishedPath,
		&p.State, &p.QAStatus, &p.ValidationStatus, &p.FinalizationStatus, &photometry,
		&p.AutoPublish, &p.PublishAttempts, &p.PublishError, &metadata, &p.Provenance.CreatorStage,
		&p.Provenance.JobID, &ra, &dec, &obsStart, &obsEnd,
		&p.CreatedAt, &stagedAt, &publishedAt, &retractedAt,
	)
	if err != nil {
		return nil, err
	}
	if photometry.Valid {
		p.PhotometryStatus = photometry.String
	}
	p.Metadata = jsonColumn(metadata)
	p.RADeg = ra.Float64
	p.DecDeg = dec.Float64
	p.ObsStartMJD = obsStart.Float64
	p.ObsEndMJD = obsEnd.Float64
	if stagedAt.Valid {
		p.StagedAt = &stagedAt.Time
	}
	if publishedAt.Valid {
		p.PublishedAt = &publishedAt.Time
	}
	if retractedAt.Valid {
		p.RetractedAt = &retractedAt.Time
	}
	return &p, nil
}

// registerProduct records a product. data_id is globally unique:
// re-registering with the same stage_path is a no-op, a different path is a
// conflict. Provenance parents are linked with duplicates ignored.
func registerProduct(ctx context.Context, q dbtx, p *types.Product, now time.Time) error {
	var existingPath string
	err := q.QueryRowContext(ctx, `SELECT stage_path FROM products WHERE data_id = ?`, p.DataID).Scan(&existingPath)
	if err == nil {
		if existingPath == p.StagePath {
			return nil
		}
		return fmt.Errorf("product %s already registered under %s: %w",
			p.DataID, existingPath, storage.ErrConflict)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to check product %s: %w", p.DataID, err)
	}

	state := p.State
	if state == "" {
		state = types.ProductStaging
	}
	if p.QAStatus == "" {
		p.QAStatus = types.QAPending
	}
	if p.ValidationStatus == "" {
		p.ValidationStatus = types.ValidationPending
	}
	if p.FinalizationStatus == "" {
		p.FinalizationStatus = types.FinalizationPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO products (
			data_id, data_type, group_id, stage_path, published_path, state,
			qa_status, validation_status, finalization_status, photometry_status,
			auto_publish, publish_attempts, publish_error, metadata,
			creator_stage, job_id, ra_deg, dec_deg, obs_start_mjd, obs_end_mjd,
			created_at, staged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.DataID, p.DataType, p.GroupID, p.StagePath, p.PublishedPath, state,
		p.QAStatus, p.ValidationStatus, p.FinalizationStatus, nullString(p.PhotometryStatus),
		p.AutoPublish, p.PublishAttempts, p.PublishError, jsonParam(p.Metadata),
		p.Provenance.CreatorStage, p.Provenance.JobID,
		nullMJD(p.RADeg), nullMJD(p.DecDeg), nullMJD(p.ObsStartMJD), nullMJD(p.ObsEndMJD),
		p.CreatedAt.UTC(), p.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("product %s lost registration race: %w", p.DataID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to register product %s: %w", p.DataID, err)
	}
	p.State = state

	for _, parent := range p.Provenance.Parents {
		if err := linkProducts(ctx, q, parent, p.DataID); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func getProduct(ctx context.Context, q dbtx, dataID string) (*types.Product, error) {
	// #nosec G201 - column list is a package constant
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM products WHERE data_id = ?`, productColumns), dataID)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %s: %w", dataID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", dataID, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT parent_id FROM product_parents WHERE data_id = ? ORDER BY parent_id
	`, dataID)
	if err != nil {
		return nil, fmt.Errorf("failed to get product parents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, fmt.Errorf("failed to scan product parent: %w", err)
		}
		p.Provenance.Parents = append(p.Provenance.Parents, parent)
	}
	return p, rows.Err()
}

// listProducts applies the filter. Provenance parents are not loaded here;
// use GetProduct or ProductAncestry for lineage.
func listProducts(ctx context.Context, q dbtx, f storage.ProductFilter) ([]*types.Product, error) {
	var where []string
	var args []any

	if f.DataType != "" {
		where = append(where, "data_type = ?")
		args = append(args, f.DataType)
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, s := range f.States {
			ph[i] = "?"
			args = append(args, s)
		}
		where = append(where, "state IN ("+strings.Join(ph, ",")+")")
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.MinObsMJD != 0 {
		where = append(where, "obs_end_mjd >= ?")
		args = append(args, f.MinObsMJD)
	}
	if f.MaxObsMJD != 0 {
		where = append(where, "obs_start_mjd <= ?")
		args = append(args, f.MaxObsMJD)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = "WHERE " + strings.Join(where, " AND ")
	}
	pageSQL := ""
	if f.Limit > 0 {
		pageSQL = limitClause
		args = append(args, f.Limit)
		if f.Offset > 0 {
			pageSQL += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	// #nosec G201 - safe SQL with controlled formatting
	query := fmt.Sprintf(`
		SELECT %s FROM products
		%s
		ORDER BY created_at DESC, data_id
		%s
	`, productColumns, whereSQL, pageSQL)

	return queryProducts(ctx, q, query, args...)
}

func queryProducts(ctx context.Context, q dbtx, query string, args ...any) ([]*types.Product, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var products []*types.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// productsInSkyBox returns products whose pointing falls inside the box.
// RA is half-open [RAMin, RAMax) and wraps through 0 when RAMin > RAMax;
// Dec is inclusive.
func productsInSkyBox(ctx context.Context, q dbtx, box types.SkyBox, limit int) ([]*types.Product, error) {
	raCond := "(ra_deg >= ? AND ra_deg < ?)"
	if box.Wraps() {
		raCond = "(ra_deg >= ? OR ra_deg < ?)"
	}

	args := []any{box.RAMin, box.RAMax, box.DecMin, box.DecMax}
	limitSQL := ""
	if limit > 0 {
		limitSQL = limitClause
		args = append(args, limit)
	}

	// #nosec G201 - safe SQL with controlled formatting
	query := fmt.Sprintf(`
		SELECT %s FROM products
		WHERE ra_deg IS NOT NULL AND dec_deg IS NOT NULL
		  AND %s
		  AND dec_deg >= ? AND dec_deg <= ?
		ORDER BY created_at DESC, data_id
		%s
	`, productColumns, raCond, limitSQL)

	return queryProducts(ctx, q, query, args...)
}

// productAncestry walks provenance edges up from a product, breadth-first
// to maxDepth. The recursive CTE uses UNION (not UNION ALL) so cyclic
// lineage cannot loop.
func productAncestry(ctx context.Context, q dbtx, dataID string, maxDepth int) ([]*types.Product, error) {
	if maxDepth <= 0 {
		maxDepth = 16
	}

	// #nosec G201 - column list is a package constant
	query := fmt.Sprintf(`
		WITH RECURSIVE ancestors(pid, depth) AS (
			SELECT parent_id, 1 FROM product_parents WHERE data_id = ?
			UNION
			SELECT pp.parent_id, a.depth + 1
			FROM product_parents pp
			JOIN ancestors a ON pp.data_id = a.pid
			WHERE a.depth < ?
		)
		SELECT %s FROM products p
		JOIN (SELECT pid, MIN(depth) AS depth FROM ancestors GROUP BY pid) m
		  ON p.data_id = m.pid
		ORDER BY m.depth, p.data_id
	`, prefixColumns("p", productColumns))

	return queryProducts(ctx, q, query, dataID, maxDepth)
}

// prefixColumns qualifies each column in a comma-separated list.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func linkProducts(ctx context.Context, q dbtx, parentID, childID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO product_parents (data_id, parent_id) VALUES (?, ?)
	`, childID, parentID)
	if err != nil {
		return fmt.Errorf("failed to link product %s -> %s: %w", parentID, childID, err)
	}
	return nil
}

func productStats(ctx context.Context, q dbtx) (map[types.ProductState]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT state, COUNT(*) FROM products GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to get product stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[types.ProductState]int)
	for rows.Next() {
		var state types.ProductState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan product stats: %w", err)
		}
		stats[state] = n
	}
	return stats, rows.Err()
}

func transitionProduct(ctx context.Context, q dbtx, dataID string, from, to types.ProductState) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("product transition %s -> %s not allowed", from, to)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE products SET state = ? WHERE data_id = ? AND state = ?
	`, to, dataID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition product %s: %w", dataID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func setProductQA(ctx context.Context, q dbtx, dataID, qaStatus, validationStatus string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE products SET qa_status = ?, validation_status = ? WHERE data_id = ?
	`, qaStatus, validationStatus, dataID)
	if err != nil {
		return fmt.Errorf("failed to set product QA: %w", err)
	}
	return requireRow(res, "product", dataID)
}

func setProductFinalization(ctx context.Context, q dbtx, dataID, status string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE products SET finalization_status = ? WHERE data_id = ?
	`, status, dataID)
	if err != nil {
		return fmt.Errorf("failed to set product finalization: %w", err)
	}
	return requireRow(res, "product", dataID)
}

func setProductPhotometry(ctx context.Context, q dbtx, dataID, status string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE products SET photometry_status = ? WHERE data_id = ?
	`, nullString(status), dataID)
	if err != nil {
		return fmt.Errorf("failed to set product photometry: %w", err)
	}
	return requireRow(res, "product", dataID)
}

func setProductPublished(ctx context.Context, q dbtx, dataID, publishedPath string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE products SET state = 'published', published_path = ?, published_at = ?
		WHERE data_id = ? AND state = 'publishing'
	`, publishedPath, at.UTC(), dataID)
	if err != nil {
		return fmt.Errorf("failed to mark product %s published: %w", dataID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("product %s is not publishing: %w", dataID, storage.ErrConflict)
	}
	return nil
}

// setProductPublishFailure records a failed publish attempt. publish_error
// is retained after a later success as attempt history.
func setProductPublishFailure(ctx context.Context, q dbtx, dataID, errMsg string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE products SET state = 'failed', publish_attempts = publish_attempts + 1,
			publish_error = ?, last_publish_attempt_at = ?
		WHERE data_id = ? AND state IN ('publishing','validated')
	`, errMsg, at.UTC(), dataID)
	if err != nil {
		return fmt.Errorf("failed to record publish failure for %s: %w", dataID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("product %s is not publishing: %w", dataID, storage.ErrConflict)
	}
	return nil
}

func setProductRetracted(ctx context.Context, q dbtx, dataID string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE products SET state = 'retracted', retracted_at = ?
		WHERE data_id = ? AND state = 'published'
	`, at.UTC(), dataID)
	if err != nil {
		return fmt.Errorf("failed to retract product %s: %w", dataID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("product %s is not published: %w", dataID, storage.ErrConflict)
	}
	return nil
}

// publishCandidates evaluates the auto-publish gate in SQL: staged,
// auto-publish enabled, QA passed, validated, finalized, and photometry
// either completed or not yet run.
func publishCandidates(ctx context.Context, q dbtx) ([]*types.Product, error) {
	// #nosec G201 - column list is a package constant
	query := fmt.Sprintf(`
		SELECT %s FROM products
		WHERE state = 'staging'
		  AND auto_publish = 1
		  AND qa_status = 'passed'
		  AND validation_status = 'validated'
		  AND finalization_status = 'finalized'
		  AND (photometry_status IS NULL OR photometry_status = 'completed')
		ORDER BY created_at, data_id
	`, productColumns)

	return queryProducts(ctx, q, query)
}

func publishRetryCandidates(ctx context.Context, q dbtx, before time.Time, maxAttempts int) ([]*types.Product, error) {
	// #nosec G201 - column list is a package constant
	query := fmt.Sprintf(`
		SELECT %s FROM products
		WHERE state = 'failed'
		  AND publish_attempts < ?
		  AND (last_publish_attempt_at IS NULL OR last_publish_attempt_at <= ?)
		ORDER BY last_publish_attempt_at, data_id
	`, productColumns)

	return queryProducts(ctx, q, query, maxAttempts, before.UTC())
}

// Store and transaction wrappers.

func (s *SQLiteStorage) RegisterProduct(ctx context.Context, p *types.Product) error {
	return registerProduct(ctx, s.db, p, time.Now())
}

func (s *SQLiteStorage) GetProduct(ctx context.Context, dataID string) (*types.Product, error) {
	return getProduct(ctx, s.db, dataID)
}

func (s *SQLiteStorage) ListProducts(ctx context.Context, f storage.ProductFilter) ([]*types.Product, error) {
	return listProducts(ctx, s.db, f)
}

func (s *SQLiteStorage) ProductsInSkyBox(ctx context.Context, box types.SkyBox, limit int) ([]*types.Product, error) {
	return productsInSkyBox(ctx, s.db, box, limit)
}

func (s *SQLiteStorage) ProductAncestry(ctx context.Context, dataID string, maxDepth int) ([]*types.Product, error) {
	return productAncestry(ctx, s.db, dataID, maxDepth)
}

func (s *SQLiteStorage) LinkProducts(ctx context.Context, parentID, childID string) error {
	return linkProducts(ctx, s.db, parentID, childID)
}

func (s *SQLiteStorage) ProductStats(ctx context.Context) (map[types.ProductState]int, error) {
	return productStats(ctx, s.db)
}

func (s *SQLiteStorage) TransitionProduct(ctx context.Context, dataID string, from, to types.ProductState) (bool, error) {
	return transitionProduct(ctx, s.db, dataID, from, to)
}

func (s *SQLiteStorage) SetProductQA(ctx context.Context, dataID, qaStatus, validationStatus string) error {
	return setProductQA(ctx, s.db, dataID, qaStatus, validationStatus)
}

func (s *SQLiteStorage) SetProductFinalization(ctx context.Context, dataID, status string) error {
	return setProductFinalization(ctx, s.db, dataID, status)
}

func (s *SQLiteStorage) SetProductPhotometry(ctx context.Context, dataID, status string) error {
	return setProductPhotometry(ctx, s.db, dataID, status)
}

func (s *SQLiteStorage) SetProductPublished(ctx context.Context, dataID, publishedPath string, at time.Time) error {
	return setProductPublished(ctx, s.db, dataID, publishedPath, at)
}

func (s *SQLiteStorage) SetProductPublishFailure(ctx context.Context, dataID, errMsg string, at time.Time) error {
	return setProductPublishFailure(ctx, s.db, dataID, errMsg, at)
}

func (s *SQLiteStorage) SetProductRetracted(ctx context.Context, dataID string, at time.Time) error {
	return setProductRetracted(ctx, s.db, dataID, at)
}

func (s *SQLiteStorage) PublishCandidates(ctx context.Context) ([]*types.Product, error) {
	return publishCandidates(ctx, s.db)
}

func (s *SQLiteStorage) PublishRetryCandidates(ctx context.Context, before time.Time, maxAttempts int) ([]*types.Product, error) {
	return publishRetryCandidates(ctx, s.db, before, maxAttempts)
}

func (t *txStorage) RegisterProduct(ctx context.Context, p *types.Product) error {
	return registerProduct(ctx, t.conn, p, time.Now())
}

func (t *txStorage) GetProduct(ctx context.Context, dataID string) (*types.Product, error) {
	return getProduct(ctx, t.conn, dataID)
}

func (t *txStorage) ListProducts(ctx context.Context, f storage.ProductFilter) ([]*types.Product, error) {
	return listProducts(ctx, t.conn, f)
}

func (t *txStorage) ProductsInSkyBox(ctx context.Context, box types.SkyBox, limit int) ([]*types.Product, error) {
	return productsInSkyBox(ctx, t.conn, box, limit)
}

func (t *txStorage) ProductAncestry(ctx context.Context, dataID string, maxDepth int) ([]*types.Product, error) {
	return productAncestry(ctx, t.conn, dataID, maxDepth)
}

func (t *txStorage) LinkProducts(ctx context.Context, parentID, childID string) error {
	return linkProducts(ctx, t.conn, parentID, childID)
}

func (t *txStorage) ProductStats(ctx context.Context) (map[types.ProductState]int, error) {
	return productStats(ctx, t.conn)
}

func (t *txStorage) TransitionProduct(ctx context.Context, dataID string, from, to types.ProductState) (bool, error) {
	return transitionProduct(ctx, t.conn, dataID, from, to)
}

func (t *txStorage) SetProductQA(ctx context.Context, dataID, qaStatus, validationStatus string) error {
	return setProductQA(ctx, t.conn, dataID, qaStatus, validationStatus)
}

func (t *txStorage) SetProductFinalization(ctx context.Context, dataID, status string) error {
	return setProductFinalization(ctx, t.conn, dataID, status)
}

func (t *txStorage) SetProductPhotometry(ctx context.Context, dataID, status string) error {
	return setProductPhotometry(ctx, t.conn, dataID, status)
}

func (t *txStorage) SetProductPublished(ctx context.Context, dataID, publishedPath string, at time.Time) error {
	return setProductPublished(ctx, t.conn, dataID, publishedPath, at)
}

func (t *txStorage) SetProductPublishFailure(ctx context.Context, dataID, errMsg string, at time.Time) error {
	return setProductPublishFailure(ctx, t.conn, dataID, errMsg, at)
}

func (t *txStorage) SetProductRetracted(ctx context.Context, dataID string, at time.Time) error {
	return setProductRetracted(ctx, t.conn, dataID, at)
}

func (t *txStorage) PublishCandidates(ctx context.Context) ([]*types.Product, error) {
	return publishCandidates(ctx, t.conn)
}

func (t *txStorage) PublishRetryCandidates(ctx context.Context, before time.Time, maxAttempts int) ([]*types.Product, error) {
	return publishRetryCandidates(ctx, t.conn, before, maxAttempts)
}
