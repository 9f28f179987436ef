// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/fetch"
)

// Tool represents a callable tool.
type Tool struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters"`
	RequiresApproval bool           `json:"requiresApproval"`
	Handler          func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	files   *FileTools
	shell   *ShellExec
	fetcher *fetch.Fetcher
}

// NewRegistry creates a tool registry backed by the given workspace
// file tools, shell executor, and web fetcher. Any of them may be nil;
// the corresponding tools are simply not registered.
func NewRegistry(files *FileTools, shell *ShellExec, fetcher *fetch.Fetcher) *Registry {
	r := &Registry{
		tools:   make(map[string]*Tool),
		files:   files,
		shell:   shell,
		fetcher: fetcher,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	if r.files != nil && r.files.Enabled() {
		r.Register(&Tool{
			Name:        "read_file",
			Description: "Read the contents of a file in the workspace. Supports reading a slice of a large file with offset/limit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file, relative to the workspace root",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "1-indexed line to start reading from (optional)",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of lines to read (optional)",
					},
				},
				"required": []string{"path"},
			},
			Handler: r.handleReadFile,
		})

		r.Register(&Tool{
			Name:        "write_file",
			Description: "Write content to a file in the workspace, creating it (and parent directories) if needed. Overwrites existing content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file, relative to the workspace root",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The full content to write",
					},
				},
				"required": []string{"path", "content"},
			},
			RequiresApproval: true,
			Handler:          r.handleWriteFile,
		})

		r.Register(&Tool{
			Name:        "delete_file",
			Description: "Delete a file from the workspace. Cannot delete directories.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file, relative to the workspace root",
					},
				},
				"required": []string{"path"},
			},
			RequiresApproval: true,
			Handler:          r.handleDeleteFile,
		})

		r.Register(&Tool{
			Name:        "list_directory",
			Description: "List files and subdirectories in a workspace directory. Directories are suffixed with '/'.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path relative to the workspace root (default: workspace root)",
					},
				},
			},
			Handler: r.handleListDirectory,
		})
	}

	if r.shell != nil && r.shell.Enabled() {
		r.Register(&Tool{
			Name:        "execute_shell",
			Description: "Execute a shell command in the workspace. Returns stdout, stderr, and the exit code. Use for builds, tests, searches, and git.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The shell command to execute",
					},
					"timeout": map[string]any{
						"type":        "integer",
						"description": "Timeout in seconds (default 30, max 300)",
					},
				},
				"required": []string{"command"},
			},
			RequiresApproval: true,
			Handler:          r.handleExecuteShell,
		})
	}

	if r.fetcher != nil {
		r.Register(&Tool{
			Name:        "fetch_url",
			Description: "Fetch a web page and extract its readable text content. Use for looking up documentation or references.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "The URL to fetch",
					},
					"max_chars": map[string]any{
						"type":        "integer",
						"description": "Maximum characters of extracted text to return (default 50000)",
					},
				},
				"required": []string{"url"},
			},
			Handler: r.handleFetchURL,
		})
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Catalog returns all tools sorted by name, for prompt rendering.
func (r *Registry) Catalog() []*Tool {
	result := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// List returns all tools in the wire format expected by the LLM.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.Catalog() {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}

// Tool handlers

func (r *Registry) handleReadFile(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}

	offset := 0
	if o, ok := args["offset"].(float64); ok {
		offset = int(o)
	}
	limit := 0
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}

	return r.files.Read(ctx, path, offset, limit)
}

func (r *Registry) handleWriteFile(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", fmt.Errorf("content is required")
	}

	if err := r.files.Write(ctx, path, content); err != nil {
		return "", err
	}

	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (r *Registry) handleDeleteFile(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}

	if err := r.files.Delete(ctx, path); err != nil {
		return "", err
	}

	return fmt.Sprintf("Deleted %s", path), nil
}

func (r *Registry) handleListDirectory(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}

	entries, err := r.files.List(ctx, path)
	if err != nil {
		return "", err
	}

	if len(entries) == 0 {
		return fmt.Sprintf("Directory %s is empty", path), nil
	}

	return fmt.Sprintf("Contents of %s:\n%s", path, strings.Join(entries, "\n")), nil
}

func (r *Registry) handleExecuteShell(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	timeoutSec := 0
	if t, ok := args["timeout"].(float64); ok {
		timeoutSec = int(t)
	}

	result, err := r.shell.Exec(ctx, command, timeoutSec)
	if err != nil {
		return "", err
	}

	// Format nicely for the LLM
	var sb strings.Builder
	if result.Stdout != "" {
		sb.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[stderr]\n")
		sb.WriteString(result.Stderr)
	}
	if result.TimedOut {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[command timed out]")
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("[exit code: %d]", result.ExitCode))

	return sb.String(), nil
}

func (r *Registry) handleFetchURL(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}

	maxChars := 0
	if m, ok := args["max_chars"].(float64); ok {
		maxChars = int(m)
	}

	result, err := r.fetcher.Fetch(ctx, rawURL, maxChars)
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(out), nil
}
