package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// compatStatements are additive, idempotent schema updates applied on every
// startup so older databases pick up new columns and enum values.
var compatStatements = []string{
	`ALTER TABLE alert_events ADD COLUMN IF NOT EXISTS correlation_id TEXT`,
	`ALTER TABLE incidents ADD COLUMN IF NOT EXISTS correlation_id TEXT`,
	`ALTER TABLE incidents ADD COLUMN IF NOT EXISTS service_version TEXT`,
	`ALTER TABLE incidents ADD COLUMN IF NOT EXISTS git_sha TEXT`,
	`DO $$
	BEGIN
	  IF EXISTS (SELECT 1 FROM pg_type WHERE typname = 'incident_status') THEN
	    IF NOT EXISTS (
	      SELECT 1 FROM pg_enum e JOIN pg_type t ON t.oid = e.enumtypid
	      WHERE t.typname = 'incident_status' AND e.enumlabel = 'postmortem_required'
	    ) THEN
	      ALTER TYPE incident_status ADD VALUE 'postmortem_required';
	    END IF;
	  END IF;
	END$$`,
}

// Migrate runs the embedded goose migrations and the additive compatibility
// statements.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	for _, stmt := range compatStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply compat migration: %w", err)
		}
	}
	return nil
}
