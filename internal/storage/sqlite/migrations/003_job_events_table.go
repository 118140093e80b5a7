package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateJobEventsTable creates the append-only journal for databases
// predating it. New databases get the table from the schema constant.
func MigrateJobEventsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL DEFAULT '',
			work_item_id TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create job_events table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_events_group ON job_events(group_id, created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create job_events group index: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_job_events_item ON job_events(work_item_id)`)
	if err != nil {
		return fmt.Errorf("failed to create job_events item index: %w", err)
	}

	return nil
}
