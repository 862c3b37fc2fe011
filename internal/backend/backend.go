// Package backend builds the (command, argv) invocation vector for each
// supported AI CLI backend. Every BuildArgs implementation is a pure
// function of a task.Spec and a target argument; none of them touch the
// filesystem or the environment.
package backend

import (
	"fmt"
	"strings"

	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/task"
)

// Backend supplies the executable name and argv for one flavor of AI CLI.
type Backend interface {
	Name() task.BackendFlavor
	Command() string
	BuildArgs(spec *task.Spec, targetArg string) []string
}

type codexBackend struct{}

func (codexBackend) Name() task.BackendFlavor { return task.FlavorCodex }
func (codexBackend) Command() string          { return "codex" }

func (codexBackend) BuildArgs(spec *task.Spec, targetArg string) []string {
	workDir := "."
	if spec.WorkDir != "" {
		workDir = spec.WorkDir
	}
	args := []string{"e", "-C", workDir, "--json"}
	if spec.SessionID != "" {
		args = append(args, "-r", spec.SessionID)
	}
	if spec.Model != "" {
		args = append(args, "-m", spec.Model)
	}
	if spec.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", spec.ReasoningEffort)
	}
	if spec.SkipPermissions {
		args = append(args, "--full-auto")
	}
	return append(args, targetArg)
}

type claudeBackend struct{}

func (claudeBackend) Name() task.BackendFlavor { return task.FlavorClaude }
func (claudeBackend) Command() string          { return "claude" }

func (claudeBackend) BuildArgs(spec *task.Spec, targetArg string) []string {
	args := []string{"-p", "--output-format", "stream-json"}
	if spec.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.SessionID != "" {
		args = append(args, "-r", spec.SessionID)
	}
	args = append(args, "--disable-settings-source")
	return append(args, targetArg)
}

type geminiBackend struct{}

func (geminiBackend) Name() task.BackendFlavor { return task.FlavorGemini }
func (geminiBackend) Command() string          { return "gemini" }

func (geminiBackend) BuildArgs(spec *task.Spec, targetArg string) []string {
	args := []string{"-o", "stream-json", "-y"}
	if spec.Model != "" {
		args = append(args, "-m", spec.Model)
	}
	if spec.SessionID != "" {
		args = append(args, "-r", spec.SessionID)
	}
	return append(args, targetArg)
}

type opencodeBackend struct{}

func (opencodeBackend) Name() task.BackendFlavor { return task.FlavorOpencode }
func (opencodeBackend) Command() string          { return "opencode" }

func (opencodeBackend) BuildArgs(spec *task.Spec, targetArg string) []string {
	args := []string{"run", "--format", "json"}
	if spec.Model != "" {
		args = append(args, "-m", spec.Model)
	}
	if spec.SessionID != "" {
		args = append(args, "-s", spec.SessionID)
	}
	return append(args, targetArg)
}

var registry = map[string]Backend{
	"codex":    codexBackend{},
	"claude":   claudeBackend{},
	"gemini":   geminiBackend{},
	"opencode": opencodeBackend{},
}

// Select resolves a backend by name, case-insensitively. An unrecognized
// name is a configuration error (exit code 2), never a panic.
func Select(name string) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	b, ok := registry[key]
	if !ok {
		return nil, &codeagenterr.ConfigurationError{
			Reason: fmt.Sprintf("unknown backend %q", name),
		}
	}
	return b, nil
}

// Names returns the closed set of recognized backend names, for help text
// and config validation.
func Names() []string {
	return []string{"codex", "claude", "gemini", "opencode"}
}
