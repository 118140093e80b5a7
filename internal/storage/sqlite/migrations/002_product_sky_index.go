package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateProductSkyIndex adds the (ra_deg, dec_deg) index backing sky-box
// queries. Kept out of the schema constant because early databases indexed
// only observation time.
func MigrateProductSkyIndex(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_products_sky ON products(ra_deg, dec_deg)`)
	if err != nil {
		return fmt.Errorf("failed to create sky index: %w", err)
	}
	return nil
}
