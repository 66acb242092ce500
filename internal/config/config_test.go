package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timeflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Primary.Type != "memory" || cfg.Storage.Secondary.Type != "bolt" {
		t.Errorf("unexpected tier defaults: %+v / %+v", cfg.Storage.Primary, cfg.Storage.Secondary)
	}
	if cfg.Engine.RecoveryPolicy != "prompt" {
		t.Errorf("expected prompt policy, got %s", cfg.Engine.RecoveryPolicy)
	}
	if !cfg.Engine.AutoCompensate {
		t.Error("expected auto_compensate to default on")
	}

	d := cfg.Durations()
	if d.Tick != time.Second || d.Save != 5*time.Second || d.Accuracy != 30*time.Second {
		t.Errorf("unexpected cadences: %+v", d)
	}
	if d.DriftTolerance != 2*time.Second || d.RecoveryWindow != time.Hour {
		t.Errorf("unexpected thresholds: %+v", d)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
engine:
  save_interval: 10s
  recovery_policy: exclude_gap
  strict_transitions: true
storage:
  primary:
    type: redis
  secondary:
    type: sqlite
  sqlite:
    path: `+filepath.Join(dir, "state.sqlite")+`
  redis:
    host: cache.internal
    port: 6380
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Durations().Save != 10*time.Second {
		t.Errorf("expected 10s save interval, got %s", cfg.Engine.SaveInterval)
	}
	if !cfg.Engine.StrictTransitions {
		t.Error("expected strict transitions")
	}
	if cfg.Storage.Redis.Host != "cache.internal" || cfg.Storage.Redis.Port != 6380 {
		t.Errorf("unexpected redis config: %+v", cfg.Storage.Redis)
	}
	// Untouched keys keep their defaults.
	if cfg.Storage.Redis.DialTimeout != "5s" {
		t.Errorf("expected default dial timeout, got %q", cfg.Storage.Redis.DialTimeout)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("TIMEFLOW_ENGINE_RECOVERY_POLICY", "discard")
	t.Setenv("TIMEFLOW_SERVER_API_PORT", "8181")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.RecoveryPolicy != "discard" {
		t.Errorf("expected env override, got %s", cfg.Engine.RecoveryPolicy)
	}
	if cfg.Server.APIPort != 8181 {
		t.Errorf("expected api port 8181, got %d", cfg.Server.APIPort)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad policy", "engine:\n  recovery_policy: later\n", "recovery_policy"},
		{"zero tick", "engine:\n  tick_interval: 0s\n", "tick_interval"},
		{"garbage duration", "engine:\n  save_interval: soon\n", "save_interval"},
		{"negative tolerance", "engine:\n  drift_tolerance: -1s\n", "drift_tolerance"},
		{"zero tolerance", "engine:\n  drift_tolerance: 0s\n", "drift_tolerance"},
		{"primary none", "storage:\n  primary:\n    type: none\n", "primary storage type"},
		{"unknown secondary", "storage:\n  secondary:\n    type: etcd\n", "secondary storage type"},
		{"same backend", "storage:\n  primary:\n    type: bolt\n", "different backends"},
		{"empty key", "storage:\n  key: \"\"\n", "storage key"},
		{"bad port", "server:\n  metrics_port: 70000\n", "metrics port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
