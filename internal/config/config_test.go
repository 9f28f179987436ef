package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "azul.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen.Port != 8765 {
		t.Errorf("default port = %d, want 8765", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("default max iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.ApprovalTimeoutSec != 60 {
		t.Errorf("default approval timeout = %d, want 60", cfg.Agent.ApprovalTimeoutSec)
	}
	if cfg.Agent.AutoApprove {
		t.Error("auto-approve must default to off")
	}
	if cfg.ShellExec.Enabled {
		t.Error("shell execution must default to off")
	}
	if cfg.Workspace.Path != "" {
		t.Error("workspace must default to unset")
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: 127.0.0.1
  port: 9999
models:
  default: llama3.2
  available:
    - name: llama3.2
      provider: ollama
      supports_tools: true
      context_window: 8192
agent:
  max_iterations: 5
  auto_approve: true
workspace:
  path: /tmp/work
shell_exec:
  enabled: true
  allowed_prefixes: ["git ", "ls"]
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Address != "127.0.0.1" || cfg.Listen.Port != 9999 {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Models.Default != "llama3.2" {
		t.Errorf("default model = %q", cfg.Models.Default)
	}
	if len(cfg.Models.Available) != 1 || !cfg.Models.Available[0].SupportsTools {
		t.Errorf("available models = %+v", cfg.Models.Available)
	}
	if cfg.Agent.MaxIterations != 5 || !cfg.Agent.AutoApprove {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Workspace.Path != "/tmp/work" {
		t.Errorf("workspace = %q", cfg.Workspace.Path)
	}
	if !cfg.ShellExec.Enabled || len(cfg.ShellExec.AllowedPrefixes) != 2 {
		t.Errorf("shell_exec = %+v", cfg.ShellExec)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 7000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Port != 7000 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	// Unspecified sections keep their defaults.
	if cfg.Models.OllamaURL != "http://localhost:11434" {
		t.Errorf("ollama url = %q", cfg.Models.OllamaURL)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d", cfg.Agent.MaxIterations)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("AZUL_TEST_WORKSPACE", "/srv/agent-work")

	path := writeConfig(t, `
workspace:
  path: ${AZUL_TEST_WORKSPACE}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace.Path != "/srv/agent-work" {
		t.Errorf("workspace = %q, want env-expanded path", cfg.Workspace.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "listen: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	found, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/does/not/exist.yaml"); err == nil {
		t.Error("explicit missing path must error, not fall back to search")
	}
}
