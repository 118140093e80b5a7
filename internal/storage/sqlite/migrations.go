// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/meridian-obs/contimg/internal/storage/sqlite/migrations"
)

// Migration represents a single database migration
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations, run in order during
// database initialization. Every migration is idempotent: the schema
// constant already includes its end state, so on a fresh database each one
// finds nothing to do.
var migrationsList = []Migration{
	{"photometry_status_column", migrations.MigratePhotometryStatusColumn},
	{"product_sky_index", migrations.MigrateProductSkyIndex},
	{"job_events_table", migrations.MigrateJobEventsTable},
	{"publish_attempt_column", migrations.MigratePublishAttemptColumn},
}

// MigrationInfo contains metadata about a migration for inspection
type MigrationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ListMigrations returns all registered migrations with descriptions.
// All are idempotent, so this is the full list rather than pending ones.
func ListMigrations() []MigrationInfo {
	result := make([]MigrationInfo, len(migrationsList))
	for i, m := range migrationsList {
		result[i] = MigrationInfo{
			Name:        m.Name,
			Description: getMigrationDescription(m.Name),
		}
	}
	return result
}

// getMigrationDescription returns a human-readable description for a migration
func getMigrationDescription(name string) string {
	descriptions := map[string]string{
		"photometry_status_column": "Adds photometry_status column to products for the publish gate",
		"product_sky_index":        "Adds (ra_deg, dec_deg) index to products for sky-box queries",
		"job_events_table":         "Adds job_events journal table and its indexes",
		"publish_attempt_column":   "Adds last_publish_attempt_at column to products for publish retry pacing",
	}

	if desc, ok := descriptions[name]; ok {
		return desc
	}
	return "Unknown migration"
}

// RunMigrations executes all registered migrations in order.
// Uses an EXCLUSIVE transaction to prevent race conditions when multiple
// processes open the database simultaneously: without it, parallel opens
// can race on check-then-add column operations.
func RunMigrations(db *sql.DB) error {
	// PRAGMA foreign_keys must be changed outside any transaction.
	_, err := db.Exec("PRAGMA foreign_keys = OFF")
	if err != nil {
		return fmt.Errorf("failed to disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	_, err = db.Exec("BEGIN EXCLUSIVE")
	if err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, migration := range migrationsList {
		if err := migration.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true

	return nil
}
