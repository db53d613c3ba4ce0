// Package db provides unit tests for schema migration management.
package db

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func TestMigratorUp(t *testing.T) {
	db := openMemoryDB(t)
	defer db.Close()

	migrator := NewMigrator(db)
	if err := migrator.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	version, err := migrator.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected version %d, got %d", len(migrations), version)
	}

	// The singleton sync_state row must exist after the initial schema.
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sync_state WHERE id = 1").Scan(&count); err != nil {
		t.Fatalf("Failed to query sync_state: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected singleton sync_state row, got %d rows", count)
	}
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	db := openMemoryDB(t)
	defer db.Close()

	migrator := NewMigrator(db)
	if err := migrator.Up(); err != nil {
		t.Fatalf("First Up failed: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Second Up failed: %v", err)
	}

	applied, err := migrator.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != len(migrations) {
		t.Errorf("Expected %d applied migrations, got %d", len(migrations), len(applied))
	}
}

func TestMigrationChecksumRecorded(t *testing.T) {
	db := openMemoryDB(t)
	defer db.Close()

	migrator := NewMigrator(db)
	if err := migrator.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	applied, err := migrator.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	for _, mig := range applied {
		if len(mig.Checksum) != 64 {
			t.Errorf("Expected 64-char checksum for V%d, got %q", mig.Version, mig.Checksum)
		}
		if mig.Description == "" {
			t.Errorf("Expected description for V%d", mig.Version)
		}
	}
}
