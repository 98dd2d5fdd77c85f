package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAML(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `log_level: debug
registry:
  path: /tmp/cosim.db
health:
  poll_interval: 250ms
alarm:
  timeout: 2m
local:
  workers: 2
  min_delays: [0.1, 0.05]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Registry.Path != "/tmp/cosim.db" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Health.PollInterval != 250*time.Millisecond || cfg.Alarm.Timeout != 2*time.Minute {
		t.Fatalf("unexpected durations %v %v", cfg.Health.PollInterval, cfg.Alarm.Timeout)
	}
	// defaults survive partial files
	if cfg.Channels.OrchestratorIn != "orchestrator.in" {
		t.Fatalf("expected default channel, got %q", cfg.Channels.OrchestratorIn)
	}
}

func TestMinDelaysDecideWorkerCount(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `local:
  min_delays: [0.2, 0.05, 0.1]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Local.MinDelays) != 3 {
		t.Fatalf("expected 3 min_delays, got %v", cfg.Local.MinDelays)
	}
}

func TestLoadTOML(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `log_level = "warn"

[channels]
orchestrator_in = "orch.in"
orchestrator_out = "orch.out"

[transport]
remote = "http://10.0.0.2:8089"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Channels.OrchestratorIn != "orch.in" || cfg.Transport.Remote != "http://10.0.0.2:8089" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.Path != ":memory:" || cfg.Health.PollInterval != time.Second {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Local.MinDelays = []float64{0.1, 0, 0.2}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected min_delays error")
	}
	cfg = Default()
	cfg.Health.PollInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected poll interval error")
	}
}

func TestSecretsOverrideToken(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := os.MkdirAll(filepath.Join(dir, "cosimctl"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	secrets := "# transport\nCOSIM_TRANSPORT_TOKEN=\"s3cret\"\n"
	if err := os.WriteFile(filepath.Join(dir, "cosimctl", "secrets.env"), []byte(secrets), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Token != "s3cret" {
		t.Fatalf("expected token from secrets.env, got %q", cfg.Transport.Token)
	}
	t.Setenv("COSIM_TRANSPORT_TOKEN", "env")
	cfg, _ = Load("")
	if cfg.Transport.Token != "env" {
		t.Fatalf("expected env token, got %q", cfg.Transport.Token)
	}
}
