package migrations

import (
	"database/sql"
	"fmt"
)

// MigratePublishAttemptColumn adds last_publish_attempt_at to products so
// the scheduler can pace publish retries.
func MigratePublishAttemptColumn(db *sql.DB) error {
	var colName string
	err := db.QueryRow(`
		SELECT name FROM pragma_table_info('products')
		WHERE name = 'last_publish_attempt_at'
	`).Scan(&colName)

	if err == sql.ErrNoRows {
		_, err := db.Exec(`ALTER TABLE products ADD COLUMN last_publish_attempt_at DATETIME`)
		if err != nil {
			return fmt.Errorf("failed to add last_publish_attempt_at column: %w", err)
		}
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to check last_publish_attempt_at column: %w", err)
	}

	return nil
}
