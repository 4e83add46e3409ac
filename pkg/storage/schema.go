package storage

import (
	"database/sql"
	"fmt"
)

// currentSchemaVersion is the schema version this build expects. Migrate
// walks forward from whatever version is found in service_state, applying
// each step in order, so any previously shipped database opens cleanly.
const currentSchemaVersion = 1

// migrations is applied in order, starting from the step after the
// database's recorded version. Each step must be idempotent: guarded by
// CREATE TABLE IF NOT EXISTS / ALTER TABLE ... ADD COLUMN where needed.
var migrations = []func(*sql.Tx) error{
	migrateV1,
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			source_folders TEXT NOT NULL,
			destination_folder TEXT NOT NULL,
			worker_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id INTEGER NOT NULL REFERENCES buckets(id),
			source_path TEXT NOT NULL,
			source_folder TEXT NOT NULL,
			relative_path TEXT NOT NULL,
			destination_path TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			source_hash TEXT,
			destination_hash TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			worker_id INTEGER,
			UNIQUE(source_path, destination_path, bucket_id)
		)`,
		`CREATE TABLE IF NOT EXISTS service_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_queue_bucket_status_folder_id ON file_queue(bucket_id, status, source_folder, id)`,
		`CREATE INDEX IF NOT EXISTS idx_file_queue_status_updated ON file_queue(status, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_file_queue_bucket_updated ON file_queue(bucket_id, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_file_queue_updated ON file_queue(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_file_queue_folder ON file_queue(source_folder)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("storage: schema step: %w", err)
		}
	}
	return nil
}

// migrate brings the database from whatever schema_version it records
// (0 if absent) up to currentSchemaVersion, applying each pending step
// inside its own transaction.
func migrate(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for version < len(migrations) {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("storage: begin migration: %w", err)
		}
		if err := migrations[version](tx); err != nil {
			tx.Rollback()
			return err
		}
		version++
		if err := setSchemaVersion(tx, version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit migration: %w", err)
		}
	}
	return nil
}

// CurrentSchemaVersion returns the schema version this build expects,
// for use by the migration CLI.
func CurrentSchemaVersion() int {
	return len(migrations)
}

// SchemaVersion reports the schema version recorded in db, without
// applying any pending migrations.
func SchemaVersion(db *sql.DB) (int, error) {
	return schemaVersion(db)
}

func schemaVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS service_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("storage: bootstrap service_state: %w", err)
	}

	var raw string
	err := db.QueryRow(`SELECT value FROM service_state WHERE key = 'schema_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: read schema_version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return 0, fmt.Errorf("storage: parse schema_version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`INSERT INTO service_state (key, value, updated_at) VALUES ('schema_version', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, fmt.Sprintf("%d", version))
	if err != nil {
		return fmt.Errorf("storage: write schema_version: %w", err)
	}
	return nil
}
