// Package config defines the intakectl runtime configuration: built-in
// defaults, optional YAML file overrides, and persisted overrides stored in
// the embedded database's config table.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ocr-mrz/intakeengine/internal/storage"
	"github.com/ocr-mrz/intakeengine/queue"
)

// Config is the full set of operator-tunable runtime settings.
type Config struct {
	DatabasePath              string  `yaml:"database_path"`
	DefaultTargetURL          string  `yaml:"default_target_url"`
	DefaultTTLSeconds         int     `yaml:"default_ttl_seconds"`
	DefaultMaxRetries         int     `yaml:"default_max_retries"`
	DefaultRetryDelaySeconds  int     `yaml:"default_retry_delay_seconds"`
	WorkerPollIntervalSeconds float64 `yaml:"worker_poll_interval_seconds"`
	Verbose                   bool    `yaml:"verbose"`
}

// DefaultConfig returns built-in defaults, mirroring the teacher's
// factory.DefaultConfig constructor.
func DefaultConfig() Config {
	return Config{
		DatabasePath:              "intake.db",
		DefaultTargetURL:          "",
		DefaultTTLSeconds:         24 * 60 * 60,
		DefaultMaxRetries:         3,
		DefaultRetryDelaySeconds:  5,
		WorkerPollIntervalSeconds: 0.5,
		Verbose:                   true,
	}
}

// LoadYAMLFile merges a YAML config file's fields onto base, returning the
// merged config. Absent fields in the file leave base's value untouched.
func LoadYAMLFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return base, nil
}

// ApplyStoredOverrides reads a handful of keys back out of the embedded
// store's config table and returns cfg with each stored value that is
// present applied over it, the same fallback pattern as the teacher's
// store.GetConfigValue("max_parallel_agents")-style reads in
// cmd/factory/main.go.
func ApplyStoredOverrides(db *storage.DB, cfg Config) Config {
	if v, ok := db.GetConfigValue("default_target_url"); ok && v != "" {
		cfg.DefaultTargetURL = v
	}
	if v, ok := db.GetConfigValue("default_max_retries"); ok && v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.DefaultMaxRetries = n
		}
	}
	if v, ok := db.GetConfigValue("default_retry_delay_seconds"); ok && v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.DefaultRetryDelaySeconds = n
		}
	}
	return cfg
}

// QueueSettings projects the queue-relevant fields of cfg into
// queue.Settings.
func (c Config) QueueSettings() queue.Settings {
	return queue.Settings{
		DatabasePath:              c.DatabasePath,
		DefaultTTLSeconds:         c.DefaultTTLSeconds,
		DefaultMaxRetries:         c.DefaultMaxRetries,
		DefaultRetryDelaySeconds:  c.DefaultRetryDelaySeconds,
		WorkerPollIntervalSeconds: c.WorkerPollIntervalSeconds,
	}
}
