package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"tradegateway/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and adds the
// environment pre-flight checks spec.md §6's layout keys imply but schema
// validation alone can't catch: every on-disk path the gateway is about to
// write through (WAL dir, persistence path, circuit breaker state path)
// must already be creatable and writable before a single order is
// accepted, matching the "startup recovery only marks ready once every
// step succeeds" posture of spec.md §4.12.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *Config) error {
	if err := ensureWritableDir(cfg.Persistence.WALDir); err != nil {
		return fmt.Errorf("wal_dir: %w", err)
	}
	if err := ensureWritableDir(filepath.Dir(cfg.Persistence.PersistencePath)); err != nil {
		return fmt.Errorf("persistence_path: %w", err)
	}
	if err := ensureWritableDir(filepath.Dir(cfg.Risk.StatePath)); err != nil {
		return fmt.Errorf("circuit_breaker_state_path: %w", err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}
	probe := filepath.Join(dir, ".writable_probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}
