package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellExec runs shell commands on behalf of the model, inside the
// workspace by default. Every command passes the deny/allow policy
// before it reaches the shell.
type ShellExec struct {
	enabled         bool
	workingDir      string
	allowedPrefixes []string
	deniedPatterns  []string
	defaultTimeout  time.Duration
	maxOutputBytes  int
}

// ShellExecConfig configures the shell executor. Field names mirror
// the shell_exec block in the config file.
type ShellExecConfig struct {
	Enabled bool
	// WorkingDir is where commands run. The caller usually points
	// this at the workspace root.
	WorkingDir string
	// AllowedPrefixes, when non-empty, limits commands to those
	// starting with one of the prefixes.
	AllowedPrefixes []string
	// DeniedPatterns blocks any command containing one of the
	// patterns, case-insensitively. Checked before the allowlist.
	DeniedPatterns []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultShellExecConfig returns the shipped policy: execution off,
// and a denylist of the obviously destructive patterns.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		Enabled: false,
		DeniedPatterns: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:", // Fork bomb
			"sudo ",
			"shutdown",
			"reboot",
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExec creates a shell executor from cfg, filling in the
// timeout and output cap when unset.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		enabled:         cfg.Enabled,
		workingDir:      cfg.WorkingDir,
		allowedPrefixes: cfg.AllowedPrefixes,
		deniedPatterns:  cfg.DeniedPatterns,
		defaultTimeout:  cfg.DefaultTimeout,
		maxOutputBytes:  cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult is what the model sees after a command runs. A non-zero
// exit code is a result, not an error: the command ran.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

// checkPolicy rejects commands the configured policy forbids.
func (s *ShellExec) checkPolicy(command string) error {
	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedPatterns {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedPrefixes) == 0 {
		return nil
	}
	for _, prefix := range s.allowedPrefixes {
		if strings.HasPrefix(command, prefix) {
			return nil
		}
	}
	return fmt.Errorf("command not in allowlist")
}

// Exec runs command through sh -c in the working directory.
// timeoutSec overrides the default timeout when positive; either way
// the run is capped at five minutes.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell execution is disabled")
	}
	if err := s.checkPolicy(command); err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	return result, nil
}

// truncateOutput caps s at maxBytes, noting the cut.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
