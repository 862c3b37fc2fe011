// Package executor implements the Task Executor (component C): it spawns
// one backend child process, feeds it the task, streams its output through
// the stream parser, and derives a deterministic task.Result from whichever
// of three independent cancel sources fires (or the child's own exit).
package executor

import (
	"os"
	"strings"
)

// allowList is the fixed set of names carried into a minimal-env child
// regardless of prefix, per the external interface's environment table.
var allowList = map[string]struct{}{
	"PATH": {}, "HOME": {}, "USER": {}, "SHELL": {}, "TERM": {},
	"LANG": {}, "LC_ALL": {}, "LC_CTYPE": {},
	"OPENAI_API_KEY": {}, "ANTHROPIC_API_KEY": {}, "GEMINI_API_KEY": {},
	"GOOGLE_API_KEY": {}, "AZURE_OPENAI_API_KEY": {},
	"HTTP_PROXY": {}, "HTTPS_PROXY": {}, "NO_PROXY": {},
	"http_proxy": {}, "https_proxy": {}, "no_proxy": {},
	"NODE_PATH": {}, "PYTHONPATH": {}, "GEM_PATH": {}, "GOPATH": {},
	"DISPLAY": {}, "COLORTERM": {}, "TERM_PROGRAM": {},
	"SSH_AUTH_SOCK": {}, "GPG_AGENT_INFO": {},
}

var allowedPrefixes = []string{"CODEX_", "CODEAGENT_", "OPENAI_", "ANTHROPIC_", "GEMINI_", "GOOGLE_"}

// buildEnv returns the environment a child should inherit. minimal selects
// the allow-list union; otherwise the full parent environment is returned
// unmodified.
func buildEnv(minimal bool) []string {
	full := os.Environ()
	if !minimal {
		return full
	}

	out := make([]string, 0, len(full))
	for _, kv := range full {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, ok := allowList[name]; ok {
			out = append(out, kv)
			continue
		}
		for _, prefix := range allowedPrefixes {
			if strings.HasPrefix(name, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

// stdinSpecialChars mirrors the characters whose presence forces the
// stdin-feed path per the external interface's stdin policy.
const stdinSpecialChars = "\n\\\"`'$"

// decideUseStdin implements the stdin policy decision rule: explicit
// request, a piped task, a task longer than 800 bytes, or a task containing
// any character that would be awkward to pass as a single argv element.
func decideUseStdin(explicitRequest, piped bool, taskText string) bool {
	if explicitRequest || piped {
		return true
	}
	if len(taskText) > 800 {
		return true
	}
	return strings.ContainsAny(taskText, stdinSpecialChars)
}
