package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigBrokerTimings(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Broker.FlushInterval != 50*time.Millisecond {
		t.Errorf("FlushInterval = %s, want 50ms", cfg.Broker.FlushInterval)
	}
	if cfg.Broker.GracePeriod != 60*time.Second {
		t.Errorf("GracePeriod = %s, want 60s", cfg.Broker.GracePeriod)
	}
	if cfg.Broker.InitTimeout != 30*time.Second {
		t.Errorf("InitTimeout = %s, want 30s", cfg.Broker.InitTimeout)
	}
	if cfg.Broker.DefaultContextWindow != DefaultContextWindow {
		t.Errorf("DefaultContextWindow = %d, want %d", cfg.Broker.DefaultContextWindow, DefaultContextWindow)
	}
	if cfg.Broker.CompactionDropFraction != 0.15 {
		t.Errorf("CompactionDropFraction = %v, want 0.15", cfg.Broker.CompactionDropFraction)
	}
	if cfg.Broker.CompactionMinTokens != 20000 {
		t.Errorf("CompactionMinTokens = %d, want 20000", cfg.Broker.CompactionMinTokens)
	}
}

func TestContextWindowFallback(t *testing.T) {
	cfg := defaultConfig()
	cfg.Broker.DefaultContextWindow = 0
	if got := cfg.ContextWindow(); got != DefaultContextWindow {
		t.Errorf("ContextWindow() = %d, want %d", got, DefaultContextWindow)
	}

	cfg.Broker.DefaultContextWindow = 50000
	if got := cfg.ContextWindow(); got != 50000 {
		t.Errorf("ContextWindow() = %d, want 50000", got)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("Port = %d, want 3001", cfg.Server.Port)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  port: 9000
scan:
  root: /tmp/projects
broker:
  grace_period: 5s
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Scan.Root != "/tmp/projects" {
		t.Errorf("Scan.Root = %q, want /tmp/projects", cfg.Scan.Root)
	}
	if cfg.Broker.GracePeriod != 5*time.Second {
		t.Errorf("GracePeriod = %s, want 5s", cfg.Broker.GracePeriod)
	}
	// Untouched defaults survive the partial override.
	if cfg.Broker.InitTimeout != 30*time.Second {
		t.Errorf("InitTimeout = %s, want 30s (untouched default)", cfg.Broker.InitTimeout)
	}
}

func TestDiffReportsBrokerTimingChanges(t *testing.T) {
	old := defaultConfig()
	newCfg := defaultConfig()
	newCfg.Broker.GracePeriod = 10 * time.Second
	newCfg.Scan.Root = "/srv/projects"

	changes := Diff(old, newCfg)
	if len(changes) != 2 {
		t.Fatalf("Diff returned %d changes, want 2: %v", len(changes), changes)
	}
}
