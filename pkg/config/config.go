// Package config loads daemon configuration: defaults, then the TOML file
// in the wharf home directory, then environment overrides. A per-project
// YAML file can further override the agent command for sessions created in
// that directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
//
// File: $WHARF_HOME/config.toml (default ~/.wharf/config.toml).
// Environment overrides:
//   - WHARF_HOME: base directory for all wharf state
//   - WHARF_SOCKET_PATH: daemon UDS socket (default: $WHARF_HOME/wharf.sock)
//   - WHARF_DB_PATH: state database (default: $WHARF_HOME/state.db)
type Config struct {
	Home       string `toml:"-"`
	SocketPath string `toml:"socket_path"`
	DBPath     string `toml:"db_path"`

	// AgentCommand is the process spawned for every session.
	AgentCommand string   `toml:"agent_command"`
	AgentArgs    []string `toml:"agent_args"`

	// LocalMaxSessions caps the implicit local worker.
	LocalMaxSessions int `toml:"local_max_sessions"`

	// GlobalMaxSessions caps active sessions across all workers.
	// Zero disables the deployment-wide cap.
	GlobalMaxSessions int `toml:"global_max_sessions"`

	IdleThresholdSeconds     int `toml:"idle_threshold_seconds"`
	ScrollbackBytes          int `toml:"scrollback_bytes"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
}

// IdleThreshold returns the configured idle threshold as a duration, zero
// when unset (the hub applies its own default).
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSeconds) * time.Second
}

// HeartbeatInterval returns the configured heartbeat cadence, zero when
// unset.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Load resolves the home directory, reads config.toml when present, and
// applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Home:             home,
		AgentCommand:     "claude",
		LocalMaxSessions: 2,
	}

	path := filepath.Join(home, "config.toml")
	//nolint:gosec // path is under the resolved wharf home
	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(home, "wharf.sock")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(home, "state.db")
	}
	if v := os.Getenv("WHARF_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("WHARF_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	return cfg, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("WHARF_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".wharf"), nil
}

// ProjectOverride is the per-project agent configuration read from
// .wharf/config.yaml under a session's working directory.
type ProjectOverride struct {
	AgentCommand string   `yaml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args"`
	TargetWorker string   `yaml:"target_worker"`
}

// LoadProjectOverride reads a project's override file. Returns ok=false
// when the file does not exist or does not parse; a broken override never
// blocks session creation.
func LoadProjectOverride(projectRoot string) (ProjectOverride, bool) {
	path := filepath.Join(projectRoot, ".wharf", "config.yaml")
	//nolint:gosec // path is constructed from the caller's project root
	data, err := os.ReadFile(path)
	if err != nil {
		return ProjectOverride{}, false
	}
	var o ProjectOverride
	if err := yaml.Unmarshal(data, &o); err != nil {
		return ProjectOverride{}, false
	}
	return o, true
}
