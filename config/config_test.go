package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLFileOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("default_max_retries: 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadYAMLFile(path, DefaultConfig())
	if err != nil {
		t.Fatalf("LoadYAMLFile() error = %v", err)
	}
	if cfg.DefaultMaxRetries != 7 {
		t.Fatalf("DefaultMaxRetries = %d, want 7", cfg.DefaultMaxRetries)
	}
	if cfg.DatabasePath != DefaultConfig().DatabasePath {
		t.Fatalf("DatabasePath = %q, should be unchanged from default", cfg.DatabasePath)
	}
}

func TestQueueSettingsProjection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabasePath = "custom.db"
	settings := cfg.QueueSettings()
	if settings.DatabasePath != "custom.db" {
		t.Fatalf("DatabasePath = %q, want custom.db", settings.DatabasePath)
	}
	if settings.DefaultMaxRetries != cfg.DefaultMaxRetries {
		t.Fatal("DefaultMaxRetries did not project correctly")
	}
}
