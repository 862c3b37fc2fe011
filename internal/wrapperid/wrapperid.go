// Package wrapperid resolves the binary's display name from how it was
// invoked, for use in --version/--help output and log filenames. Only
// known names are honored, so a test binary's mangled argv[0] never leaks
// into a log filename.
package wrapperid

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultName is the canonical binary name.
	DefaultName = "codeagent"
	// legacyName covers the teacher lineage this binary supersedes, so a
	// symlink named after an earlier tool still resolves cleanly.
	legacyName = "codeagent-wrapper"
)

var executablePathFn = os.Executable

func normalize(path string) string {
	if path == "" {
		return ""
	}
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".exe")
	switch base {
	case DefaultName, legacyName:
		return base
	default:
		return ""
	}
}

// Current resolves the wrapper name based on the invoked binary, falling
// back from os.Args[0] to os.Executable and its resolved symlink target.
func Current() string {
	if len(os.Args) == 0 {
		return DefaultName
	}
	if name := normalize(os.Args[0]); name != "" {
		return name
	}

	execPath, err := executablePathFn()
	if err != nil {
		return DefaultName
	}
	if name := normalize(execPath); name != "" {
		return name
	}
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		if name := normalize(resolved); name != "" {
			return name
		}
	}
	return DefaultName
}

// LogPrefixes returns the accepted log filename prefixes: the current
// name plus known aliases, deduplicated.
func LogPrefixes() []string {
	candidates := []string{Current(), DefaultName, legacyName}
	seen := make(map[string]struct{}, len(candidates))
	var unique []string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	return unique
}
