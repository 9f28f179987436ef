package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func enabledShell(cfg ShellExecConfig) *ShellExec {
	cfg.Enabled = true
	return NewShellExec(cfg)
}

func TestShellDisabledByDefault(t *testing.T) {
	s := NewShellExec(DefaultShellExecConfig())
	if s.Enabled() {
		t.Error("shell execution should be disabled by default")
	}
	if _, err := s.Exec(context.Background(), "echo hi", 0); err == nil {
		t.Error("expected error when disabled")
	}
}

func TestShellDeniedPatterns(t *testing.T) {
	cfg := DefaultShellExecConfig()
	s := enabledShell(cfg)

	blocked := []string{
		"rm -rf / --no-preserve-root",
		"sudo apt install something",
		"echo hi && shutdown now",
		"SUDO rm file", // case-insensitive match
	}
	for _, cmd := range blocked {
		if _, err := s.Exec(context.Background(), cmd, 0); err == nil || !strings.Contains(err.Error(), "security policy") {
			t.Errorf("Exec(%q) err = %v, want policy block", cmd, err)
		}
	}
}

func TestShellAllowlist(t *testing.T) {
	cfg := DefaultShellExecConfig()
	cfg.AllowedPrefixes = []string{"echo", "ls"}
	s := enabledShell(cfg)

	if _, err := s.Exec(context.Background(), "cat /etc/hostname", 0); err == nil || !strings.Contains(err.Error(), "allowlist") {
		t.Errorf("err = %v, want allowlist rejection", err)
	}

	res, err := s.Exec(context.Background(), "echo allowed", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "allowed" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestShellExec(t *testing.T) {
	s := enabledShell(DefaultShellExecConfig())

	res, err := s.Exec(context.Background(), "echo hello; echo oops >&2", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestShellExitCode(t *testing.T) {
	s := enabledShell(DefaultShellExecConfig())

	res, err := s.Exec(context.Background(), "exit 3", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestShellTimeout(t *testing.T) {
	s := enabledShell(DefaultShellExecConfig())

	res, err := s.Exec(context.Background(), "sleep 5", 1)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestShellWorkingDir(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultShellExecConfig()
	cfg.WorkingDir = dir
	s := enabledShell(cfg)

	res, err := s.Exec(context.Background(), "pwd", 0)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	// macOS tempdirs may resolve through symlinks, so compare suffixes.
	got := strings.TrimSpace(res.Stdout)
	if !strings.HasSuffix(got, lastPathComponent(dir)) {
		t.Errorf("pwd = %q, want within %q", got, dir)
	}
}

func lastPathComponent(p string) string {
	parts := strings.Split(strings.TrimRight(p, "/"), "/")
	return parts[len(parts)-1]
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := truncateOutput(long, 10)
	if !strings.HasPrefix(got, "xxxxxxxxxx") || !strings.Contains(got, "truncated") {
		t.Errorf("truncateOutput = %q", got)
	}
	if truncateOutput("short", 10) != "short" {
		t.Error("short output should pass through unchanged")
	}
}

func TestShellTimeoutCap(t *testing.T) {
	cfg := DefaultShellExecConfig()
	cfg.DefaultTimeout = time.Second
	s := enabledShell(cfg)

	// A huge requested timeout must not error; it is capped internally.
	res, err := s.Exec(context.Background(), "echo capped", 100000)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "capped" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}
