package nvs

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
)

// Schema steps run in file name order. The number of applied steps is kept
// in the database header (PRAGMA user_version), so a step file must never be
// renamed or removed once released.
//
//go:embed sql/*.sql
var sqlFS embed.FS

func schemaSteps() ([]string, error) {
	names, err := fs.Glob(sqlFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// migrate brings the image table up to the embedded schema version.
func migrate(db *sql.DB) error {
	steps, err := schemaSteps()
	if err != nil {
		return fmt.Errorf("list schema steps: %w", err)
	}
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(steps) {
		return fmt.Errorf("nvs: schema version %d is newer than this build (%d)", version, len(steps))
	}
	for i := version; i < len(steps); i++ {
		if err := applyStep(db, steps[i], i+1); err != nil {
			return fmt.Errorf("apply %s: %w", steps[i], err)
		}
		slog.Debug("nvs schema step applied", "step", steps[i], "version", i+1)
	}
	return nil
}

func applyStep(db *sql.DB, name string, version int) error {
	body, err := fs.ReadFile(sqlFS, name)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return err
	}
	// PRAGMA takes no bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
