package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/example/codeagent/internal/codeagenterr"
)

func TestResolveResumeSpec_DashForcesUseStdin(t *testing.T) {
	resetCLIState(t)
	stdinReader = strings.NewReader("continue the work\n")
	isTerminalFn = func() bool { return false }

	spec, piped, err := resolveResumeSpec([]string{"sess-123", "-"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !spec.UseStdin {
		t.Error("expected UseStdin to be true for a literal \"-\" resume task arg, matching single-task mode")
	}
	if !piped {
		t.Error("expected piped to be true when stdin is not a terminal")
	}
	if spec.SessionID != "sess-123" {
		t.Errorf("unexpected session id: %q", spec.SessionID)
	}
	if spec.Task != "continue the work\n" {
		t.Errorf("unexpected task text: %q", spec.Task)
	}
}

func TestResolveResumeSpec_DashWithEmptyStdinIsConfigurationError(t *testing.T) {
	resetCLIState(t)
	stdinReader = strings.NewReader("")
	isTerminalFn = func() bool { return false }

	_, _, err := resolveResumeSpec([]string{"sess-123", "-"})
	var cfgErr *codeagenterr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestResolveResumeSpec_PlainTaskArgIsNotStdin(t *testing.T) {
	resetCLIState(t)
	stdinReader = strings.NewReader("")
	isTerminalFn = func() bool { return true }

	spec, piped, err := resolveResumeSpec([]string{"sess-123", "plain follow-up"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.UseStdin {
		t.Error("expected UseStdin to be false for a plain task arg")
	}
	if piped {
		t.Error("expected piped to be false when stdin is a terminal")
	}
	if spec.Task != "plain follow-up" {
		t.Errorf("unexpected task text: %q", spec.Task)
	}
}

func TestResolveResumeSpec_WorkDirOptional(t *testing.T) {
	resetCLIState(t)
	stdinReader = strings.NewReader("")
	isTerminalFn = func() bool { return true }

	dir := t.TempDir()
	spec, _, err := resolveResumeSpec([]string{"sess-123", "task text", dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.WorkDir != dir {
		t.Errorf("WorkDir = %q, want %q", spec.WorkDir, dir)
	}
}

func TestResolveResumeSpec_BadSessionIDShape(t *testing.T) {
	resetCLIState(t)
	stdinReader = strings.NewReader("")
	isTerminalFn = func() bool { return true }

	_, _, err := resolveResumeSpec([]string{"bad session id", "task text"})
	var cfgErr *codeagenterr.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for bad session id shape, got %v", err)
	}
}

func TestRunResume_UnknownBackendIsConfigurationError(t *testing.T) {
	resetCLIState(t)
	flagBackend = "not-a-real-backend"
	stdinReader = strings.NewReader("")
	isTerminalFn = func() bool { return true }

	if err := runResume(nil, []string{"sess-123", "hello"}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if exitCode != codeagenterr.ExitConfiguration {
		t.Errorf("exitCode = %d, want %d", exitCode, codeagenterr.ExitConfiguration)
	}
}

func TestRunResume_LookPathFailureReportsBackendNotFound(t *testing.T) {
	resetCLIState(t)
	stdinReader = strings.NewReader("")
	isTerminalFn = func() bool { return true }
	lookPathFn = func(file string) (string, error) {
		return "", errors.New("no such file")
	}

	if err := runResume(nil, []string{"sess-123", "hello"}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if exitCode != codeagenterr.ExitBackendNotFound {
		t.Errorf("exitCode = %d, want %d", exitCode, codeagenterr.ExitBackendNotFound)
	}
}
