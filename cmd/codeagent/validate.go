package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/task"
)

var knownAgents = map[string]bool{
	"":         true,
	"default":  true,
	"reviewer": true,
	"planner":  true,
	"tester":   true,
}

// sessionIDShapeOK rejects anything that could not plausibly be a backend
// correlation id: empty, containing whitespace or path separators, or
// unreasonably long.
func sessionIDShapeOK(id string) bool {
	if id == "" || len(id) > 256 {
		return false
	}
	for _, r := range id {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return false
		case r == '/' || r == '\\':
			return false
		}
	}
	return true
}

func validateWorkDir(dir string) error {
	if dir == "" {
		return nil
	}
	if dir == "-" {
		return &codeagenterr.ConfigurationError{Reason: "workdir cannot be \"-\""}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return &codeagenterr.ConfigurationError{Reason: fmt.Sprintf("workdir %q", dir), Err: err}
	}
	if !info.IsDir() {
		return &codeagenterr.ConfigurationError{Reason: fmt.Sprintf("workdir %q is not a directory", dir)}
	}
	return nil
}

func validateAgent(name string) error {
	if !knownAgents[strings.ToLower(strings.TrimSpace(name))] {
		return &codeagenterr.ConfigurationError{Reason: fmt.Sprintf("invalid agent %q", name)}
	}
	return nil
}

func validateTimeout(seconds int) error {
	if seconds < 0 {
		return &codeagenterr.ConfigurationError{Reason: "timeout must be positive"}
	}
	return nil
}

// resolvePromptBaseDir is the root a --prompt-file path must resolve
// inside: the user's home directory, falling back to the working
// directory when HOME cannot be determined.
func resolvePromptBaseDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func isWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true
	}
	prefix := ".." + string(os.PathSeparator)
	return rel != ".." && !strings.HasPrefix(rel, prefix)
}

// readPromptFile reads path after confirming it resolves inside the
// configured prompt base directory, both before and after following any
// symlink, so a file outside that root can't be reached by a traversal or
// a symlink swap.
func readPromptFile(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve prompt file path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	baseDir := filepath.Clean(resolvePromptBaseDir())
	if !isWithinDir(absPath, baseDir) {
		return "", fmt.Errorf("prompt file must be under %s", baseDir)
	}

	if resolvedPath, err := filepath.EvalSymlinks(absPath); err == nil {
		if resolvedBase, err := filepath.EvalSymlinks(baseDir); err == nil {
			if !isWithinDir(filepath.Clean(resolvedPath), filepath.Clean(resolvedBase)) {
				return "", fmt.Errorf("prompt file resolves outside %s", resolvedBase)
			}
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// specFromFlags applies every persistent flag to a freshly built task.Spec,
// validating as it goes. id defaults to "task" for single-task execution.
func specFromFlags(id, taskText, workDir, sessionID string) (*task.Spec, error) {
	if strings.TrimSpace(taskText) == "" {
		return nil, &codeagenterr.ConfigurationError{Reason: "missing task"}
	}
	if err := validateWorkDir(workDir); err != nil {
		return nil, err
	}
	if err := validateAgent(flagAgent); err != nil {
		return nil, err
	}
	if err := validateTimeout(flagTimeout); err != nil {
		return nil, err
	}
	if sessionID != "" && !sessionIDShapeOK(sessionID) {
		return nil, &codeagenterr.ConfigurationError{Reason: fmt.Sprintf("bad session id shape %q", sessionID)}
	}

	promptFile := ""
	if flagPromptFile != "" {
		if _, err := readPromptFile(flagPromptFile); err != nil {
			return nil, &codeagenterr.ConfigurationError{Reason: "unreadable prompt file", Err: err}
		}
		promptFile = flagPromptFile
	}

	return &task.Spec{
		ID:              id,
		Task:            taskText,
		WorkDir:         workDir,
		BackendName:     flagBackend,
		Model:           flagModel,
		SessionID:       sessionID,
		PromptFile:      promptFile,
		ReasoningEffort: flagReasoningEffort,
		Agent:           flagAgent,
		SkipPermissions: flagSkipPermissions,
		MinimalEnv:      flagMinimalEnv,
	}, nil
}
