// Package config handles AZUL configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./azul.yaml, ~/.config/azul/azul.yaml, /etc/azul/azul.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"azul.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "azul", "azul.yaml"))
	}

	paths = append(paths, "/etc/azul/azul.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all AZUL configuration.
type Config struct {
	Listen      ListenConfig    `yaml:"listen"`
	Models      ModelsConfig    `yaml:"models"`
	Agent       AgentConfig     `yaml:"agent"`
	Workspace   WorkspaceConfig `yaml:"workspace"`
	ShellExec   ShellExecConfig `yaml:"shell_exec"`
	DataDir     string          `yaml:"data_dir"`
	PersonaFile string          `yaml:"persona_file"`
	LogLevel    string          `yaml:"log_level"`
}

// ListenConfig defines the server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default     string        `yaml:"default"`
	OllamaURL   string        `yaml:"ollama_url"`
	LlamaCppURL string        `yaml:"llamacpp_url"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, llamacpp
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
}

// AgentConfig defines the agentic loop's bounds and approval behavior.
type AgentConfig struct {
	// MaxIterations caps Think phases per user turn (default 10).
	MaxIterations int `yaml:"max_iterations"`
	// ApprovalTimeoutSec is how long an approval request waits for a
	// decision before defaulting to denied (default 60).
	ApprovalTimeoutSec int `yaml:"approval_timeout_sec"`
	// AutoApprove skips the approval gate entirely. Off by default.
	AutoApprove bool `yaml:"auto_approve"`
	// MaxHistoryMessages bounds the history sent per inference call.
	// 0 means no bound.
	MaxHistoryMessages int `yaml:"max_history_messages"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths are relative to this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8765},
		Models: ModelsConfig{
			Default:   "qwen2.5-coder",
			OllamaURL: "http://localhost:11434",
		},
		Agent: AgentConfig{
			MaxIterations:      10,
			ApprovalTimeoutSec: 60,
			MaxHistoryMessages: 20,
		},
		ShellExec: ShellExecConfig{
			DefaultTimeoutSec: 30,
		},
	}
}
