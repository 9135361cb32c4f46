// Package config loads distbuild's TOML configuration: the scheduler
// address, the CAS root directory, and the worker's heartbeat interval and
// capacity. Discovery follows the same three-tier order the original
// implementation used (./config.toml, then $HOME/.config/distbuild/config.toml,
// else built-in defaults).
package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
)

// SchedulerConfig configures the scheduler's listen address.
type SchedulerConfig struct {
	Addr string `toml:"addr"`
}

// CASConfig configures the on-disk content-addressable store.
type CASConfig struct {
	Root string `toml:"root"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	HeartbeatIntervalSecs uint64 `toml:"heartbeat_interval_secs"`
	Capacity              uint32 `toml:"capacity"`
}

// LogConfig configures pkg/log's global logger.
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// MetricsConfig holds the [metrics] section. Addr is parsed but not read
// by any command: /metrics is always served on the process's own API
// server, and no separate metrics listener is started.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Config is the top-level configuration document.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	CAS       CASConfig       `toml:"cas"`
	Worker    WorkerConfig    `toml:"worker"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// Default returns the built-in configuration used when no config file is
// found anywhere in the discovery order.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{Addr: "127.0.0.1:5000"},
		CAS:       CASConfig{Root: "./cas-root"},
		Worker: WorkerConfig{
			HeartbeatIntervalSecs: 10,
			Capacity:              4,
		},
		Log: LogConfig{Level: "info", JSON: false},
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, distbuilderr.IOf(err, "reading config %s", path)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, distbuilderr.InvalidStatef("parsing config %s: %v", path, err)
	}
	return cfg, nil
}

// LoadDefault implements the discovery order: ./config.toml, then
// $HOME/.config/distbuild/config.toml, else the built-in default.
func LoadDefault() (Config, error) {
	if _, err := os.Stat("config.toml"); err == nil {
		return Load("config.toml")
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".config", "distbuild", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}

	return Default(), nil
}

// Save serializes cfg as TOML to path, creating parent directories as
// needed.
func Save(cfg Config, path string) error {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return distbuilderr.InvalidStatef("marshaling config: %v", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return distbuilderr.IOf(err, "creating config dir %s", dir)
		}
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return distbuilderr.IOf(err, "writing config %s", path)
	}
	return nil
}
