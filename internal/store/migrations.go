package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for the result history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_results (
		task_id      TEXT PRIMARY KEY,
		source       TEXT NOT NULL DEFAULT '',
		provider     TEXT NOT NULL,
		model        TEXT NOT NULL,
		priority     TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		success      INTEGER NOT NULL DEFAULT 0,
		result       TEXT NOT NULL DEFAULT 'null',
		error        TEXT NOT NULL DEFAULT '',
		timed_out    INTEGER NOT NULL DEFAULT 0,
		aborted      INTEGER NOT NULL DEFAULT 0,
		waited_ns    INTEGER NOT NULL DEFAULT 0,
		execution_ns INTEGER NOT NULL DEFAULT 0,
		enqueued_at  TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_task_results_completed_at ON task_results(completed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_task_results_outcome ON task_results(outcome)`,

	`CREATE TABLE IF NOT EXISTS stats_samples (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at TEXT NOT NULL,
		stats    TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_stats_samples_taken_at ON stats_samples(taken_at)`,
}

// alterStatements adds columns introduced after the initial schema.
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "task_results",
		column:   "skip_count",
		alterSQL: "ALTER TABLE task_results ADD COLUMN skip_count INTEGER NOT NULL DEFAULT 0",
	},
	{
		table:    "task_results",
		column:   "model_key",
		alterSQL: "ALTER TABLE task_results ADD COLUMN model_key TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_task_results_model_key ON task_results(model_key)",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}

	var found bool
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return err
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	// Close before the ALTER; a single-connection pool would otherwise deadlock.
	rows.Close()
	if found {
		return nil
	}

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
