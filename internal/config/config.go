// Package config resolves the CODEAGENT_* environment variables listed in
// the external interface table: real process environment first, then an
// optional ~/.codeagent/.env file. The teacher hand-rolls its own .env line
// scanner (code-dispatcher/runtime_settings.go); this package loads the
// file with godotenv instead, the pack's own ecosystem choice for the same
// job.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const envFileRelPath = ".codeagent/.env"

var (
	fileEnvOnce sync.Once
	fileEnv     map[string]string
)

// loadFileEnv reads ~/.codeagent/.env once per process. A missing or
// unreadable file yields an empty map rather than an error — the file is
// optional.
func loadFileEnv() map[string]string {
	fileEnvOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			fileEnv = map[string]string{}
			return
		}
		path := filepath.Join(home, envFileRelPath)
		m, err := godotenv.Read(path)
		if err != nil {
			fileEnv = map[string]string{}
			return
		}
		fileEnv = m
	})
	return fileEnv
}

// ResetForTest clears the memoized .env file contents so tests can inject
// a different HOME between cases.
func ResetForTest() {
	fileEnvOnce = sync.Once{}
	fileEnv = nil
}

// Lookup resolves a key from the process environment, falling back to the
// optional .env file. The boolean reports whether the key was set by
// either source.
func Lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	if v, ok := loadFileEnv()[key]; ok && v != "" {
		return v, true
	}
	return "", false
}

// Get resolves a key with a default value when unset.
func Get(key, def string) string {
	if v, ok := Lookup(key); ok {
		return v
	}
	return def
}

// Bool resolves a boolean-valued variable. Recognized true values:
// "1", "true", "yes", "on"; recognized false values: "0", "false", "no",
// "off", "" (all case-insensitive). Anything else yields def.
func Bool(key string, def bool) bool {
	v, ok := Lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off", "":
		return false
	default:
		return def
	}
}

// Int resolves an integer-valued variable, ignoring a value that fails to
// parse.
func Int(key string, def int) int {
	v, ok := Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Duration resolves a millisecond-valued variable into a time.Duration.
func Duration(key string, def time.Duration) time.Duration {
	n := Int(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// Timeout resolves CODEX_TIMEOUT. Per the external interface, values over
// 10000 are interpreted as milliseconds rather than seconds.
func Timeout(def time.Duration) time.Duration {
	raw, ok := Lookup("CODEX_TIMEOUT")
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || parsed <= 0 {
		return def
	}
	if parsed > 10000 {
		return time.Duration(parsed) * time.Millisecond
	}
	return time.Duration(parsed) * time.Second
}
