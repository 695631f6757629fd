// Package storage provides the embedded SQLite-backed persistence shared by
// the task queue and the document repository, including the migration
// runner that brings a fresh or upgraded database file up to date.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// DB wraps the shared SQLite connection plus the advisory file lock that
// guards against a second process opening the same database path.
type DB struct {
	*sql.DB
	path string
	lock *flock.Flock
}

// Open opens or creates a SQLite database at dbPath, applies all pending
// migrations in ascending order, and takes an advisory lock on the file so a
// second intakectl process cannot attach to the same database concurrently
// (the core's concurrency model in §5 assumes a single process; the lock
// makes that assumption enforced rather than merely documented).
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("database %s is already in use by another process", dbPath)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{DB: sqlDB, path: dbPath, lock: lock}

	if err := d.migrate(); err != nil {
		sqlDB.Close()
		lock.Unlock()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// Close releases the storage connection and the advisory file lock.
func (d *DB) Close() error {
	err := d.DB.Close()
	if d.lock != nil {
		d.lock.Unlock()
	}
	return err
}

type migration struct {
	id  string
	sql string
}

// migrations lists every known schema migration in ascending, already-sorted
// filename order (each id stands in for what would be a migration_id
// filename such as "0001_init.sql").
var migrations = []migration{
	{"0001_schema_migrations.sql", migrationSchemaMigrations},
	{"0002_task_queue.sql", migrationTaskQueue},
	{"0003_documents.sql", migrationDocuments},
	{"0004_config.sql", migrationConfig},
}

// migrate ensures all known SQL migrations have been applied, in ascending
// filename order, exactly once. Each migration script runs inside its own
// transaction so a single script is all-or-nothing.
func (d *DB) migrate() error {
	if _, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration_id TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := d.QueryRow("SELECT 1 FROM schema_migrations WHERE migration_id = ?", m.id).Scan(&exists)
		if err == nil {
			continue // already applied
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check migration %s: %w", m.id, err)
		}

		tx, err := d.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.id, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.id, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (migration_id, applied_at) VALUES (?, strftime('%s','now'))",
			m.id,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.id, err)
		}
	}

	return nil
}

// migrationSchemaMigrations is a no-op placeholder migration recorded purely
// so the bookkeeping table itself has a lineage entry; the table is created
// unconditionally above because the first real migration depends on it
// existing before any migration_id lookups happen.
const migrationSchemaMigrations = `SELECT 1`

// migrationTaskQueue creates the durable task queue table per §6.1.
const migrationTaskQueue = `
CREATE TABLE IF NOT EXISTS task_queue (
	task_id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	max_retries INTEGER NOT NULL,
	retry_delay_seconds INTEGER NOT NULL,
	available_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	idempotency_key TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	result_json TEXT,
	dead_letter_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_queue_status_available ON task_queue(status, available_at);
CREATE INDEX IF NOT EXISTS idx_task_queue_idempotency_key ON task_queue(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_task_queue_expires_at ON task_queue(expires_at);
`

// migrationDocuments creates the document-intake record table backing the
// Repository Port's SQLite implementation.
const migrationDocuments = `
CREATE TABLE IF NOT EXISTS documents (
	document_id TEXT PRIMARY KEY,
	ocr_payload_json TEXT NOT NULL DEFAULT '{}',
	edited_payload_json TEXT,
	effective_payload_json TEXT NOT NULL DEFAULT '{}',
	document_number TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'uploaded',
	identity_match_found INTEGER NOT NULL DEFAULT 0,
	identity_source_document_id TEXT NOT NULL DEFAULT '',
	enrichment_preview_json TEXT NOT NULL DEFAULT '[]',
	enrichment_log_json TEXT NOT NULL DEFAULT '{}',
	family_links_json TEXT NOT NULL DEFAULT '[]',
	source_json TEXT NOT NULL DEFAULT '{}',
	ocr_document_json TEXT NOT NULL DEFAULT '{}',
	missing_fields_json TEXT NOT NULL DEFAULT '[]',
	manual_steps_required_json TEXT NOT NULL DEFAULT '[]',
	form_url TEXT NOT NULL DEFAULT '',
	target_url TEXT NOT NULL DEFAULT '',
	browser_session_id TEXT NOT NULL DEFAULT '',
	merged_into_document_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_document_number ON documents(document_number);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at);
`

// migrationConfig creates the key/value table persisting operator-tunable
// settings across intakectl invocations.
const migrationConfig = `
CREATE TABLE IF NOT EXISTS config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// GetConfigValue retrieves a config value by key, ok=false if absent.
func (d *DB) GetConfigValue(key string) (string, bool) {
	var value string
	if err := d.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value); err != nil {
		return "", false
	}
	return value, true
}

// SetConfigValue upserts a config value by key.
func (d *DB) SetConfigValue(key, value string) error {
	_, err := d.Exec(`INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
