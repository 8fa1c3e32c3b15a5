package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"apkforge/internal/logging"
)

// Schema versions:
// v1: artifacts table
// v2: users table
// v3: artifacts.owner_id index, artifacts.source_path column
const CurrentSchemaVersion = 3

// Migration is one schema step.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "artifacts",
		Statements: []string{`
		CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			original_filename TEXT NOT NULL,
			upload_path TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			output_dir TEXT NOT NULL DEFAULT '',
			features TEXT NOT NULL DEFAULT '[]',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_state ON artifacts(state)`,
		},
	},
	{
		Version: 2,
		Name:    "users",
		Statements: []string{`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			username TEXT NOT NULL,
			phone_number TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
		},
	},
	{
		Version: 3,
		Name:    "artifact source path",
		Statements: []string{
			`ALTER TABLE artifacts ADD COLUMN source_path TEXT NOT NULL DEFAULT ''`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_owner ON artifacts(owner_id)`,
		},
	},
}

// MigrationResult holds the result of a migration operation.
type MigrationResult struct {
	FromVersion   int
	ToVersion     int
	MigrationsRun int
	Duration      time.Duration
}

// RunMigrations applies every migration newer than the database's recorded
// version, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB) (*MigrationResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	start := time.Now()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_versions: %w", err)
	}

	current, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	result := &MigrationResult{FromVersion: current, ToVersion: current}

	for _, m := range migrations {
		if m.Version <= current {
			logging.StoreDebug("Migration v%d (%s) already applied", m.Version, m.Name)
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return result, err
		}
		result.ToVersion = m.Version
		result.MigrationsRun++
		logging.Store("Migration applied: v%d %s", m.Version, m.Name)
	}

	result.Duration = time.Since(start)
	logging.Store("Schema migrations complete: v%d -> v%d (%d run)", result.FromVersion, result.ToVersion, result.MigrationsRun)
	return result, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration v%d: begin: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_versions (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, formatTime(time.Now())); err != nil {
		return fmt.Errorf("migration v%d: record version: %w", m.Version, err)
	}
	return tx.Commit()
}

// GetSchemaVersion returns the highest applied migration, or 0.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_versions").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
