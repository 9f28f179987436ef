// Azul is an autonomous AI coding assistant daemon.
//
// It runs an agentic loop over a local LLM (Ollama or llama.cpp),
// exposes a WebSocket protocol for interactive clients, and confines
// all file operations to a configured workspace. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	azul serve              Start the daemon
//	azul init [dir]         Initialize a working directory with defaults
//	azul ask <question>     Ask a single question (for testing)
//	azul version            Print version and build information
//	azul -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/agent"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/buildinfo"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/config"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/events"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/fetch"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/history"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/prompts"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/server"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/tools"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the azul command. All OS-level
// dependencies are injected as parameters so the lifecycle can be
// driven from tests. Arguments are parsed by hand: the flag package
// relies on package-level globals, and our argument surface is small
// enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: azul ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "AZUL - Autonomous AI Coding Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: azul [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the daemon")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./azul.yaml, ~/.config/azul/azul.yaml, /etc/azul/azul.yaml")
	return nil
}

// defaultConfigYAML is written by "azul init" as a starting point.
const defaultConfigYAML = `# AZUL configuration

listen:
  port: 8765

models:
  default: qwen2.5-coder
  ollama_url: http://localhost:11434
  # llamacpp_url: http://localhost:8080
  available:
    - name: qwen2.5-coder
      provider: ollama
      supports_tools: true
      context_window: 32768

agent:
  max_iterations: 10
  approval_timeout_sec: 60
  auto_approve: false
  max_history_messages: 20

workspace:
  path: ${PWD}

shell_exec:
  enabled: false
  default_timeout_sec: 30

data_dir: ./data
log_level: info
`

// runInit handles "azul init [dir]": writes a starter config file into
// the given directory.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "azul.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	}

	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", path)
	fmt.Fprintln(stdout, "Edit it to point at your workspace, then run: azul serve")
	return nil
}

// runAsk handles "azul ask <question>". It boots a minimal session (no
// server, no persistence, approvals auto-granted since the operator is
// right there at the terminal) and processes a single question.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		// ask should work without a config file at all.
		cfg = config.Default()
	}

	llmClient := createLLMClient(cfg)
	registry := buildRegistry(cfg)

	model, supportsTools := modelCapabilities(cfg)

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	// Surface tool activity on stderr so stdout stays clean for the
	// final answer.
	go func() {
		for ev := range sub {
			switch ev.Kind {
			case events.KindToolCall:
				fmt.Fprintf(stderr, "→ %v\n", ev.Data["tool"])
			case events.KindToolResult:
				if ok, _ := ev.Data["success"].(bool); !ok {
					fmt.Fprintf(stderr, "✗ %v failed\n", ev.Data["tool"])
				}
			}
		}
	}()

	sess := agent.NewSession(agent.Options{
		SessionID:     "cli",
		Client:        llmClient,
		Model:         model,
		SupportsTools: supportsTools,
		Registry:      registry,
		Bus:           bus,
		Preamble:      buildPreamble(cfg, registry, supportsTools),
		MaxIterations: cfg.Agent.MaxIterations,
		MaxHistory:    cfg.Agent.MaxHistoryMessages,
		AutoApprove:   true,
		Logger:        logger,
	})

	response, err := sess.HandleMessage(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, response)
	return nil
}

// runServe handles "azul serve", the primary operating mode: loads
// config, opens the history database, builds the tool registry and LLM
// client, starts the HTTP/WebSocket server, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting AZUL", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger = newLogger(stdout, level, "text")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"workspace", cfg.Workspace.Path,
	)

	// --- History store ---
	// SQLite-backed transcripts and tool-call audit log. Optional: when
	// no data_dir is configured, sessions are memory-only.
	var store *history.Store
	var usageStore *usage.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		dbPath := filepath.Join(cfg.DataDir, "azul.db")
		store, err = history.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open history database %s: %w", dbPath, err)
		}
		defer store.Close()
		logger.Info("history database opened", "path", dbPath)

		usagePath := filepath.Join(cfg.DataDir, "usage.db")
		usageStore, err = usage.Open(usagePath)
		if err != nil {
			return fmt.Errorf("open usage database %s: %w", usagePath, err)
		}
		defer usageStore.Close()
	} else {
		logger.Warn("no data_dir configured - transcripts will not persist")
	}

	// --- LLM client ---
	llmClient := createLLMClient(cfg)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := llmClient.Ping(pingCtx); err != nil {
		logger.Warn("LLM provider not reachable at startup", "error", err)
	}
	pingCancel()

	// --- Tool registry ---
	registry := buildRegistry(cfg)
	for _, t := range registry.Catalog() {
		logger.Debug("tool registered", "name", t.Name, "requires_approval", t.RequiresApproval)
	}
	if cfg.Workspace.Path == "" {
		logger.Warn("no workspace configured - file tools disabled")
	}
	if !cfg.ShellExec.Enabled {
		logger.Info("shell exec disabled")
	}

	// --- System prompt ---
	_, supportsTools := modelCapabilities(cfg)
	preamble := buildPreamble(cfg, registry, supportsTools)

	// --- Server ---
	srv := server.NewServer(cfg, llmClient, registry, store, usageStore, preamble, logger)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("AZUL stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Each model listed in config is mapped to its provider
// (ollama or llamacpp); unmapped models fall through to Ollama.
func createLLMClient(cfg *config.Config) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL)

	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Models.LlamaCppURL != "" {
		multi.AddProvider("llamacpp", llm.NewLlamaCppClient(cfg.Models.LlamaCppURL))
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	return multi
}

// buildRegistry constructs the tool registry from config: workspace
// file tools, the optional shell executor, and the web fetcher.
func buildRegistry(cfg *config.Config) *tools.Registry {
	files := tools.NewFileTools(cfg.Workspace.Path)

	shellCfg := tools.ShellExecConfig{
		Enabled:         cfg.ShellExec.Enabled,
		WorkingDir:      cfg.ShellExec.WorkingDir,
		AllowedPrefixes: cfg.ShellExec.AllowedPrefixes,
		DeniedPatterns:  cfg.ShellExec.DeniedPatterns,
		DefaultTimeout:  time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second,
	}
	if shellCfg.WorkingDir == "" {
		shellCfg.WorkingDir = cfg.Workspace.Path
	}
	if len(shellCfg.DeniedPatterns) == 0 {
		shellCfg.DeniedPatterns = tools.DefaultShellExecConfig().DeniedPatterns
	}
	shell := tools.NewShellExec(shellCfg)

	return tools.NewRegistry(files, shell, fetch.New())
}

// buildPreamble assembles the system prompt from the optional persona
// file, the tool catalog, and the workspace tree.
func buildPreamble(cfg *config.Config, registry *tools.Registry, supportsTools bool) string {
	var persona string
	if cfg.PersonaFile != "" {
		if data, err := os.ReadFile(cfg.PersonaFile); err == nil {
			persona = string(data)
		}
	}

	var tree string
	if cfg.Workspace.Path != "" {
		tree = prompts.WorkspaceTree(cfg.Workspace.Path, prompts.DefaultTreeDepth)
	}

	return prompts.BuildSystemPrompt(persona, registry.Catalog(), supportsTools, tree)
}

// modelCapabilities resolves the default model name and whether it
// supports native tool calls.
func modelCapabilities(cfg *config.Config) (string, bool) {
	model := cfg.Models.Default
	for _, m := range cfg.Models.Available {
		if m.Name == model {
			return model, m.SupportsTools
		}
	}
	return model, true
}
