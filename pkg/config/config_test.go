package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WHARF_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Home != home {
		t.Errorf("Home = %s, want %s", cfg.Home, home)
	}
	if cfg.SocketPath != filepath.Join(home, "wharf.sock") {
		t.Errorf("SocketPath = %s", cfg.SocketPath)
	}
	if cfg.DBPath != filepath.Join(home, "state.db") {
		t.Errorf("DBPath = %s", cfg.DBPath)
	}
	if cfg.AgentCommand != "claude" {
		t.Errorf("AgentCommand = %s", cfg.AgentCommand)
	}
	if cfg.LocalMaxSessions != 2 {
		t.Errorf("LocalMaxSessions = %d", cfg.LocalMaxSessions)
	}
	if cfg.GlobalMaxSessions != 0 {
		t.Errorf("GlobalMaxSessions = %d, want disabled", cfg.GlobalMaxSessions)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WHARF_HOME", home)

	cfgToml := `
agent_command = "aider"
agent_args = ["--no-auto-commit"]
local_max_sessions = 4
global_max_sessions = 6
idle_threshold_seconds = 90
socket_path = "/tmp/custom.sock"
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(cfgToml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WHARF_SOCKET_PATH", "/tmp/env-wins.sock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentCommand != "aider" {
		t.Errorf("AgentCommand = %s", cfg.AgentCommand)
	}
	if len(cfg.AgentArgs) != 1 || cfg.AgentArgs[0] != "--no-auto-commit" {
		t.Errorf("AgentArgs = %v", cfg.AgentArgs)
	}
	if cfg.GlobalMaxSessions != 6 {
		t.Errorf("GlobalMaxSessions = %d", cfg.GlobalMaxSessions)
	}
	if cfg.IdleThreshold().Seconds() != 90 {
		t.Errorf("IdleThreshold = %v", cfg.IdleThreshold())
	}
	// Env beats both the file and the default.
	if cfg.SocketPath != "/tmp/env-wins.sock" {
		t.Errorf("SocketPath = %s", cfg.SocketPath)
	}
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WHARF_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("agent_command = [broken"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("malformed config.toml accepted")
	}
}

func TestLoadProjectOverride(t *testing.T) {
	root := t.TempDir()
	if _, ok := LoadProjectOverride(root); ok {
		t.Fatal("missing override reported ok")
	}

	dir := filepath.Join(root, ".wharf")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yamlCfg := "agent_command: goose\ntarget_worker: gpu-box\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlCfg), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	o, ok := LoadProjectOverride(root)
	if !ok {
		t.Fatal("override not loaded")
	}
	if o.AgentCommand != "goose" || o.TargetWorker != "gpu-box" {
		t.Errorf("override = %+v", o)
	}

	// Broken YAML is ignored rather than failing session creation.
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(":\n:bad"), 0o644); err != nil {
		t.Fatalf("write broken override: %v", err)
	}
	if _, ok := LoadProjectOverride(root); ok {
		t.Error("broken override reported ok")
	}
}
