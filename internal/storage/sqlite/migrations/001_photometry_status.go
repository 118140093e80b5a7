package migrations

import (
	"database/sql"
	"fmt"
)

// MigratePhotometryStatusColumn adds the photometry_status column to
// products. Databases created before photometry reporting lack it.
func MigratePhotometryStatusColumn(db *sql.DB) error {
	var colName string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info('products')
		WHERE name = 'photometry_status'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		_, err := db.Exec(`ALTER TABLE products ADD COLUMN photometry_status TEXT
			CHECK(photometry_status IS NULL OR photometry_status IN ('completed','failed'))`)
		if err != nil {
			return fmt.Errorf("failed to add photometry_status column: %w", err)
		}
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to check photometry_status column: %w", err)
	}

	return nil
}
