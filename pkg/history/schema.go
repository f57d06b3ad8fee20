package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migrations[i] moves the schema from version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE scan_runs (
			scan_id    TEXT PRIMARY KEY,
			repo       TEXT NOT NULL,
			scanned_at TEXT NOT NULL, -- fixed-width UTC stamp; text order is time order
			dry_run    INTEGER NOT NULL,
			items      INTEGER NOT NULL,
			recovered  INTEGER NOT NULL,
			failed     INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_scan_runs_scanned_at ON scan_runs(scanned_at)`,
		`CREATE TABLE scan_findings (
			scan_id         TEXT NOT NULL REFERENCES scan_runs(scan_id),
			item_id         INTEGER NOT NULL,
			class           TEXT NOT NULL,
			updated_at      TEXT,
			age_seconds     INTEGER NOT NULL,
			change_requests TEXT, -- comma-separated PR numbers
			claimed         INTEGER NOT NULL,
			recovered       INTEGER NOT NULL,
			reason          TEXT,
			error           TEXT,
			PRIMARY KEY (scan_id, item_id)
		)`,
		`CREATE INDEX idx_scan_findings_item ON scan_findings(item_id)`,
	},
}

// SchemaVersion is the version Migrate brings a database to.
var SchemaVersion = len(migrations)

// Migrate applies every pending migration in one transaction. A database
// written by a newer goflock is left untouched and reported as an error.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("history: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		schema_version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current > SchemaVersion:
		return fmt.Errorf("history schema version %d is newer than supported version %d", current, SchemaVersion)
	case current == SchemaVersion:
		return nil
	}

	for v := current; v < SchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate to version %d: %w", v+1, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_meta (id, schema_version) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET schema_version = excluded.schema_version`, SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
