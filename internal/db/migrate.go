// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migration is a schema step compiled into the binary.
type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial_schema",
		sql: `
	CREATE TABLE IF NOT EXISTS images (
		uuid            TEXT PRIMARY KEY,
		filename        TEXT NOT NULL DEFAULT '',
		file_size       INTEGER NOT NULL DEFAULT 0,
		format          TEXT NOT NULL DEFAULT '',
		width           INTEGER NOT NULL DEFAULT 0,
		height          INTEGER NOT NULL DEFAULT 0,
		mime_type       TEXT NOT NULL DEFAULT '',
		hash            TEXT NOT NULL DEFAULT '',
		is_corrupted    INTEGER NOT NULL DEFAULT 0,
		page_count      INTEGER NOT NULL DEFAULT 1,
		page_dimensions TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		deleted_at      INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_images_deleted_at ON images(deleted_at);
	CREATE INDEX IF NOT EXISTS idx_images_updated_at ON images(updated_at);

	CREATE TABLE IF NOT EXISTS image_metadata (
		uuid          TEXT PRIMARY KEY REFERENCES images(uuid),
		camera_make   TEXT NOT NULL DEFAULT '',
		camera_model  TEXT NOT NULL DEFAULT '',
		lens_model    TEXT NOT NULL DEFAULT '',
		iso           INTEGER NOT NULL DEFAULT 0,
		aperture      REAL NOT NULL DEFAULT 0,
		shutter_speed TEXT NOT NULL DEFAULT '',
		focal_length  REAL NOT NULL DEFAULT 0,
		orientation   INTEGER NOT NULL DEFAULT 0,
		latitude      REAL NOT NULL DEFAULT 0,
		longitude     REAL NOT NULL DEFAULT 0,
		captured_at   INTEGER NOT NULL DEFAULT 0,
		extra         TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		id                    INTEGER PRIMARY KEY CHECK(id = 1),
		last_applied_sequence INTEGER NOT NULL DEFAULT 0,
		last_sync_time        INTEGER NOT NULL DEFAULT 0,
		anchor_id             TEXT NOT NULL DEFAULT ''
	);

	INSERT OR IGNORE INTO sync_state (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS pending_changes (
		change_id  INTEGER PRIMARY KEY AUTOINCREMENT,
		image_uuid TEXT NOT NULL,
		op         TEXT NOT NULL CHECK(op IN ('create','update','delete')),
		queued_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_changes_image ON pending_changes(image_uuid);
	`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedVersions := make(map[int]bool)
	for _, mig := range applied {
		appliedVersions[mig.Version] = true
	}

	for _, mig := range migrations {
		if appliedVersions[mig.version] {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", mig.version, err)
		}
	}

	return nil
}

// apply executes a single migration transactionally and records it.
func (m *Migrator) apply(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	hash := sha256.Sum256([]byte(mig.sql))
	checksum := hex.EncodeToString(hash[:])
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.version, time.Now().Unix(), mig.description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
