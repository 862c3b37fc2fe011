package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/example/codeagent/internal/wrapperid"
)

// CleanupStats summarizes one CleanupOldLogs run.
type CleanupStats struct {
	Scanned      int
	Deleted      int
	Kept         int
	Errors       int
	DeletedFiles []string
	KeptFiles    []string
}

var (
	processRunningFn   = isProcessRunning
	processStartTimeFn = getProcessStartTime
	removeLogFileFn    = os.Remove
	globLogFilesFn     = filepath.Glob
	lstatFn            = os.Lstat
	evalSymlinksFn     = filepath.EvalSymlinks
)

// CleanupOldLogs scans <home>/.codeagent/logs/ for this wrapper's log
// files and deletes those whose owning process is no longer running, or
// whose PID was reused by a different process since the file was last
// written. It refuses to follow symlinks and refuses any path that
// resolves outside the log directory.
func CleanupOldLogs() (CleanupStats, error) {
	var stats CleanupStats

	dir, err := logDir()
	if err != nil {
		return stats, err
	}

	prefixes := wrapperid.LogPrefixes()
	if len(prefixes) == 0 {
		prefixes = []string{wrapperid.DefaultName}
	}

	seen := make(map[string]struct{})
	var matches []string
	for _, prefix := range prefixes {
		found, err := globLogFilesFn(filepath.Join(dir, prefix+"-*.log"))
		if err != nil {
			return stats, fmt.Errorf("cleanup: list logs: %w", err)
		}
		for _, path := range found {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			matches = append(matches, path)
		}
	}

	var removeErr error
	for _, path := range matches {
		stats.Scanned++
		name := filepath.Base(path)

		if unsafe, _ := isUnsafeFile(path, dir); unsafe {
			stats.Kept++
			stats.KeptFiles = append(stats.KeptFiles, name)
			continue
		}

		pid, ok := parsePIDFromLog(path, prefixes)
		if !ok {
			stats.Kept++
			stats.KeptFiles = append(stats.KeptFiles, name)
			continue
		}

		if !processRunningFn(pid) {
			if err := deleteLog(path); err != nil {
				stats.Errors++
				removeErr = errors.Join(removeErr, err)
				continue
			}
			stats.Deleted++
			stats.DeletedFiles = append(stats.DeletedFiles, name)
			continue
		}

		if isPIDReused(path, pid) {
			if err := deleteLog(path); err != nil {
				stats.Errors++
				removeErr = errors.Join(removeErr, err)
				continue
			}
			stats.Deleted++
			stats.DeletedFiles = append(stats.DeletedFiles, name)
			continue
		}

		stats.Kept++
		stats.KeptFiles = append(stats.KeptFiles, name)
	}

	if removeErr != nil {
		return stats, fmt.Errorf("cleanup: %w", removeErr)
	}
	return stats, nil
}

func deleteLog(path string) error {
	if err := removeLogFileFn(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isUnsafeFile(path, dir string) (bool, string) {
	info, err := lstatFn(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, ""
		}
		return true, fmt.Sprintf("stat failed: %v", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return true, "refusing to delete symlink"
	}

	resolved, err := evalSymlinksFn(path)
	if err != nil {
		return true, fmt.Sprintf("path resolution failed: %v", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return true, fmt.Sprintf("log dir resolution failed: %v", err)
	}
	rel, err := filepath.Rel(absDir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true, "file is outside the log directory"
	}
	return false, ""
}

func isPIDReused(path string, pid int) bool {
	info, err := lstatFn(path)
	if err != nil {
		return false
	}
	modTime := info.ModTime()

	start := processStartTimeFn(pid)
	if start.IsZero() {
		return time.Since(modTime) > 7*24*time.Hour
	}
	return modTime.Add(1 * time.Second).Before(start)
}

func parsePIDFromLog(path string, prefixes []string) (int, bool) {
	name := filepath.Base(path)
	for _, prefix := range prefixes {
		withDash := prefix + "-"
		if !strings.HasPrefix(name, withDash) || !strings.HasSuffix(name, ".log") {
			continue
		}
		core := strings.TrimSuffix(strings.TrimPrefix(name, withDash), ".log")
		if core == "" {
			continue
		}
		pidPart := core
		if idx := strings.IndexByte(core, '-'); idx != -1 {
			pidPart = core[:idx]
		}
		pid, err := strconv.Atoi(pidPart)
		if err != nil || pid <= 0 {
			continue
		}
		return pid, true
	}
	return 0, false
}
