package actions

import (
	"context"
	"fmt"
	"time"
)

type migration struct {
	version int
	name    string
	stmts   string
}

// migrations are applied in order, each exactly once, and never edited after release.
var migrations = []migration{
	{
		version: 1,
		name:    "create actions",
		stmts: `
CREATE TABLE IF NOT EXISTS actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	room_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	action_kind TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	external_id TEXT,
	claimed_at INTEGER,
	executor_id TEXT,
	created_at INTEGER NOT NULL,
	executed_at INTEGER,
	last_error TEXT,
	UNIQUE(platform, room_id, message_id, action_kind)
);
CREATE INDEX IF NOT EXISTS idx_actions_claim ON actions(state, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_lease ON actions(state, claimed_at);
`,
	},
	{
		version: 2,
		name:    "external ref and delivery ledger",
		stmts: `
ALTER TABLE actions ADD COLUMN external_ref TEXT;
CREATE TABLE IF NOT EXISTS deliveries (
	idempotency_key TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	external_ref TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`,
	},
}

// LatestVersion is the schema version a fully migrated database reports.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies pending migrations. Safe to run from several processes at once:
// the version row is written first, so a second runner blocks on the write lock and
// then finds the version already recorded.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("migration %d: record: %w", m.version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, m.stmts); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.version, err)
	}
	s.logger.Info("Applied schema migration", "version", m.version, "name", m.name)
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}
