package database

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
)

// Migration is one forward step of the report schema.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// Checksum identifies the Up script so an edited migration can be spotted
// against what schema_migrations recorded.
func (m Migration) Checksum() string {
	return strconv.FormatUint(murmur3.Sum64([]byte(m.Up)), 16)
}

type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	if log == nil {
		log = logger.Nop()
	}
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// AllMigrations returns every migration sorted by version.
func AllMigrations() []Migration {
	migrations := []Migration{
		{
			Version:     1,
			Description: "Create reports table",
			Up: `
				CREATE TABLE IF NOT EXISTS reports (
					id TEXT PRIMARY KEY,
					target TEXT NOT NULL,
					mode TEXT NOT NULL,
					started_at TIMESTAMPTZ NOT NULL,
					finished_at TIMESTAMPTZ,
					risk_score INTEGER NOT NULL DEFAULT 0,
					risk_label TEXT NOT NULL DEFAULT 'INFO',
					endpoint_count INTEGER NOT NULL DEFAULT 0,
					finding_count INTEGER NOT NULL DEFAULT 0,
					body JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				CREATE INDEX IF NOT EXISTS idx_reports_target ON reports(target);
				CREATE INDEX IF NOT EXISTS idx_reports_started_at ON reports(started_at DESC);
			`,
			Down: `
				DROP TABLE IF EXISTS reports CASCADE;
			`,
		},
		{
			Version:     2,
			Description: "Create findings table",
			Up: `
				CREATE TABLE IF NOT EXISTS findings (
					id TEXT PRIMARY KEY,
					report_id TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
					tool TEXT NOT NULL,
					type TEXT NOT NULL,
					severity TEXT NOT NULL,
					title TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					evidence TEXT NOT NULL DEFAULT '',
					solution TEXT NOT NULL DEFAULT '',
					endpoint TEXT NOT NULL DEFAULT '',
					exploitability TEXT NOT NULL DEFAULT '',
					exposure TEXT NOT NULL DEFAULT '',
					confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
					risk_score INTEGER NOT NULL DEFAULT 0,
					risk_label TEXT NOT NULL DEFAULT '',
					refs JSONB,
					metadata JSONB,
					created_at TIMESTAMPTZ NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_findings_report_id ON findings(report_id);
				CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);
				CREATE INDEX IF NOT EXISTS idx_findings_type ON findings(type);
			`,
			Down: `
				DROP TABLE IF EXISTS findings CASCADE;
			`,
		},
		{
			Version:     3,
			Description: "Add GIN index on finding metadata",
			Up: `
				CREATE INDEX IF NOT EXISTS idx_findings_metadata_gin ON findings USING GIN (metadata);
				CREATE INDEX IF NOT EXISTS idx_findings_risk ON findings(report_id, risk_score DESC);
			`,
			Down: `
				DROP INDEX IF EXISTS idx_findings_metadata_gin;
				DROP INDEX IF EXISTS idx_findings_risk;
			`,
		},
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// pending filters all down to the migrations not yet applied, keeping order.
func pending(all []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

// Run applies every pending migration, each in its own transaction. It
// returns how many were applied.
func (mr *MigrationRunner) Run(ctx context.Context) (int, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	applied, err := mr.appliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	all := AllMigrations()
	todo := pending(all, applied)
	if len(todo) == 0 {
		mr.log.Debugw("Database schema is up to date",
			"component", "migrations",
			"latest_version", all[len(all)-1].Version,
		)
		return 0, nil
	}

	mr.log.Infow("Found pending migrations",
		"component", "migrations",
		"pending_count", len(todo),
	)

	for _, m := range todo {
		if err := mr.apply(ctx, m); err != nil {
			return 0, fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}

	mr.log.Infow("All migrations applied successfully",
		"component", "migrations",
		"migrations_applied", len(todo),
	)
	return len(todo), nil
}

func (mr *MigrationRunner) apply(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration",
		"component", "migrations",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		mr.log.Errorw("Migration failed",
			"component", "migrations",
			"version", m.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	recordQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.ExecContext(ctx, recordQuery, m.Version, m.Description, time.Now().UTC(), m.Checksum()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// MigrationStatus describes how far the schema is behind the code.
type MigrationStatus struct {
	CurrentVersion int  `json:"current_version"`
	LatestVersion  int  `json:"latest_version"`
	Pending        int  `json:"pending"`
	UpToDate       bool `json:"up_to_date"`
}

func (mr *MigrationRunner) Status(ctx context.Context) (MigrationStatus, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return MigrationStatus{}, err
	}
	applied, err := mr.appliedMigrations(ctx)
	if err != nil {
		return MigrationStatus{}, err
	}

	all := AllMigrations()
	status := MigrationStatus{LatestVersion: all[len(all)-1].Version}
	for v := range applied {
		if v > status.CurrentVersion {
			status.CurrentVersion = v
		}
	}
	status.Pending = len(pending(all, applied))
	status.UpToDate = status.Pending == 0
	return status, nil
}

// Rollback undoes a single applied migration.
func (mr *MigrationRunner) Rollback(ctx context.Context, version int) error {
	var target *Migration
	for _, m := range AllMigrations() {
		if m.Version == version {
			m := m
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	if target.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	mr.log.Warnw("Rolling back migration",
		"component", "migrations",
		"version", version,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, target.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}
