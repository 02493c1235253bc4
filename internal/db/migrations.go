package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_collection (
	collection_id INTEGER PRIMARY KEY CHECK(collection_id = 1),
	revision INTEGER NOT NULL CHECK(revision >= 0),
	updated_at TEXT NOT NULL
);

INSERT OR IGNORE INTO task_collection(collection_id, revision, updated_at) VALUES (1, 0, datetime('now'));

CREATE TABLE IF NOT EXISTS tasks (
	position INTEGER PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	flow TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '' CHECK(status IN ('','complete','incomplete')),
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS promotions (
	promotion_id TEXT PRIMARY KEY,
	promo_key TEXT NOT NULL,
	payload TEXT NOT NULL,
	received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatch_audit (
	audit_id TEXT PRIMARY KEY,
	commands TEXT NOT NULL,
	result TEXT NOT NULL CHECK(result IN ('ok','error')),
	error_message TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS dispatch_audit;
DROP TABLE IF EXISTS promotions;
DROP TABLE IF EXISTS tasks;
DROP TABLE IF EXISTS task_collection;
DELETE FROM schema_migrations WHERE version = 1;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS idx_tasks_flow ON tasks(flow);
CREATE INDEX IF NOT EXISTS idx_promotions_key_received ON promotions(promo_key, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_dispatch_audit_started ON dispatch_audit(started_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS idx_dispatch_audit_started;
DROP INDEX IF EXISTS idx_promotions_key_received;
DROP INDEX IF EXISTS idx_tasks_flow;
DELETE FROM schema_migrations WHERE version = 2;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
