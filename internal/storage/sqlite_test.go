package storage

import (
	"path/filepath"
	"testing"
)

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intake.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("schema_migrations count = %d, want %d", count, len(migrations))
	}
}

func TestOpenRefusesSecondConcurrentOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intake.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("second concurrent Open() should fail while the first holds the lock")
	}
}

func TestConfigValueRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, ok := db.GetConfigValue("missing"); ok {
		t.Fatal("GetConfigValue() on unset key should report ok=false")
	}

	if err := db.SetConfigValue("default_max_retries", "7"); err != nil {
		t.Fatalf("SetConfigValue() error = %v", err)
	}
	value, ok := db.GetConfigValue("default_max_retries")
	if !ok || value != "7" {
		t.Fatalf("GetConfigValue() = (%q, %v), want (7, true)", value, ok)
	}

	if err := db.SetConfigValue("default_max_retries", "9"); err != nil {
		t.Fatalf("SetConfigValue() overwrite error = %v", err)
	}
	value, _ = db.GetConfigValue("default_max_retries")
	if value != "9" {
		t.Fatalf("GetConfigValue() after overwrite = %q, want 9", value)
	}
}
