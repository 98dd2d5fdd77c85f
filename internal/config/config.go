package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator process configuration.
type Config struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
	Registry struct {
		Path string `yaml:"path" toml:"path"`
	} `yaml:"registry" toml:"registry"`
	Channels struct {
		OrchestratorIn  string `yaml:"orchestrator_in" toml:"orchestrator_in"`
		OrchestratorOut string `yaml:"orchestrator_out" toml:"orchestrator_out"`
	} `yaml:"channels" toml:"channels"`
	Health struct {
		PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	} `yaml:"health" toml:"health"`
	Alarm struct {
		// Timeout bounds the whole run; zero disables the alarm timer.
		Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	} `yaml:"alarm" toml:"alarm"`
	Transport struct {
		Listen string `yaml:"listen" toml:"listen"`
		Remote string `yaml:"remote" toml:"remote"`
		Token  string `yaml:"token" toml:"token"`
		SSH    struct {
			Addr       string `yaml:"addr" toml:"addr"`
			User       string `yaml:"user" toml:"user"`
			KeyPath    string `yaml:"key_path" toml:"key_path"`
			KnownHosts string `yaml:"known_hosts" toml:"known_hosts"`
		} `yaml:"ssh" toml:"ssh"`
	} `yaml:"transport" toml:"transport"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled" toml:"enabled"`
		MonitoringAddr string `yaml:"monitoring_addr" toml:"monitoring_addr"`
	} `yaml:"telemetry" toml:"telemetry"`
	Local struct {
		Workers   int       `yaml:"workers" toml:"workers"`
		MinDelays []float64 `yaml:"min_delays" toml:"min_delays"`
	} `yaml:"local" toml:"local"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.LogLevel = "info"
	cfg.Registry.Path = ":memory:"
	cfg.Channels.OrchestratorIn = "orchestrator.in"
	cfg.Channels.OrchestratorOut = "orchestrator.out"
	cfg.Health.PollInterval = time.Second
	cfg.Local.Workers = 2
	return cfg
}

// DefaultPath resolves $XDG_CONFIG_HOME/cosimctl/config.yaml or ~/.config/cosimctl/config.yaml.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "cosimctl")
}

// Load reads the configuration at path on top of Default. An empty path falls back to
// DefaultPath, and a missing default file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return withSecrets(cfg), nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(content), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return withSecrets(cfg), nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Channels.OrchestratorIn) == "" || strings.TrimSpace(c.Channels.OrchestratorOut) == "" {
		return fmt.Errorf("config: orchestrator channels are required")
	}
	if c.Health.PollInterval <= 0 {
		return fmt.Errorf("config: health.poll_interval must be positive")
	}
	if c.Alarm.Timeout < 0 {
		return fmt.Errorf("config: alarm.timeout must not be negative")
	}
	if c.Local.Workers < 0 {
		return fmt.Errorf("config: local.workers must not be negative")
	}
	// min_delays, when set, decides the worker count
	for i, d := range c.Local.MinDelays {
		if d <= 0 {
			return fmt.Errorf("config: local.min_delays[%d] must be positive", i)
		}
	}
	return nil
}

// Merge the transport token from secrets.env or the environment to avoid storing it in the file.
func withSecrets(cfg Config) Config {
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("COSIM_TRANSPORT_TOKEN"); v != "" {
		secrets["COSIM_TRANSPORT_TOKEN"] = v
	}
	if t, ok := secrets["COSIM_TRANSPORT_TOKEN"]; ok && t != "" {
		cfg.Transport.Token = t
	}
	return cfg
}
