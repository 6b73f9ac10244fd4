package backup

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cockroachdb/errors"

	_ "modernc.org/sqlite"
)

// backupSQLite copies a live SQLite database to destPath. VACUUM INTO takes a
// consistent point-in-time copy even in WAL mode.
func backupSQLite(ctx context.Context, db *sql.DB, destPath string) error {
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return errors.Wrap(err, "backup: vacuum into")
	}
	return nil
}

// verifySQLite runs SQLite's integrity check against a backup copy.
func verifySQLite(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return errors.Wrap(err, "backup: open database copy")
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(err, "backup: integrity check")
	}
	if result != "ok" {
		return errors.Newf("backup: integrity check failed: %s", result)
	}
	return nil
}
