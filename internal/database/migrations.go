package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations brings databases created by older releases up to schema.sql.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add recordings.last_error",
		sql:   `ALTER TABLE recordings ADD COLUMN IF NOT EXISTS last_error text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'recordings' AND column_name = 'last_error')`,
	},
	{
		name:  "add recordings.attempts",
		sql:   `ALTER TABLE recordings ADD COLUMN IF NOT EXISTS attempts int NOT NULL DEFAULT 0`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'recordings' AND column_name = 'attempts')`,
	},
	{
		name: "add recordings transcript/status constraint",
		sql: `UPDATE recordings SET status = 'processing' WHERE transcript IS NULL AND status = 'completed';
UPDATE recordings SET transcript = NULL WHERE transcript IS NOT NULL AND status <> 'completed';
ALTER TABLE recordings ADD CONSTRAINT recordings_transcript_iff_completed
    CHECK ((transcript IS NOT NULL) = (status = 'completed'))`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'recordings_transcript_iff_completed')`,
	},
	{
		name:  "add tasks.run_id index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks (run_id)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_tasks_run')`,
	},
	{
		name:  "add materials.run_id index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_materials_run ON materials (run_id)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_materials_run')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned and the caller should treat it as fatal
// since the application's queries depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart sitevoice.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
