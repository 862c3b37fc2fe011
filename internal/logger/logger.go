// Package logger implements the async logger (component E): a bounded,
// priority-flushed, append-only sink that never blocks a caller for I/O.
// The structure — a buffered channel feeding a single worker goroutine —
// is the teacher's (codeagent-wrapper/logger.go); this version sizes the
// queue and flush cadence from internal/config and uses a uuid fallback
// for the task-logger filename suffix instead of a bare atomic counter.
package logger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/codeagent/internal/config"
	"github.com/example/codeagent/internal/wrapperid"
)

const (
	defaultQueueSize    = 100
	defaultFlushIntMs   = 200
	defaultCloseTimeout = 5 * time.Second
	errorRetentionCap   = 100
	maxLogSuffixLen     = 64
)

// Logger is a process-wide append-only sink. The zero value is not usable;
// construct with New or NewWithSuffix.
type Logger struct {
	path      string
	file      *os.File
	writer    *bufio.Writer
	ch        chan logEntry
	flushReq  chan chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	workerWG  sync.WaitGroup
	pendingWG sync.WaitGroup
	flushMu   sync.Mutex
	workerErr error

	errorMu      sync.Mutex
	errorEntries []string

	drainPending atomic.Bool
}

type level string

const (
	levelDebug level = "DEBUG"
	levelInfo  level = "INFO"
	levelWarn  level = "WARN"
	levelError level = "ERROR"
)

type logEntry struct {
	level level
	text  string
	at    time.Time
}

func (e logEntry) isPriority() bool { return e.level == levelWarn || e.level == levelError }

func (e logEntry) format() string {
	return fmt.Sprintf("[%s] [%s] %s", e.at.Format("2006-01-02T15:04:05.000Z07:00"), e.level, e.text)
}

// New creates the logger and starts its worker goroutine. The log file is
// created under <home>/.codeagent/logs/ using the required naming scheme.
func New() (*Logger, error) {
	return NewWithSuffix("")
}

// NewWithSuffix creates a logger whose filename carries an extra suffix, so
// several loggers in one process can write to separate files.
func NewWithSuffix(suffix string) (*Logger, error) {
	dir, err := logDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	pid := os.Getpid()
	filename := fmt.Sprintf("%s-%d", wrapperid.Current(), pid)
	if safe := sanitizeSuffix(suffix); safe != "" {
		filename += "-" + safe
	}
	filename += ".log"

	path := filepath.Clean(filepath.Join(dir, filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		path:     path,
		file:     f,
		writer:   bufio.NewWriterSize(f, 4096),
		ch:       make(chan logEntry, config.Int("CODEAGENT_LOGGER_QUEUE_SIZE", defaultQueueSize)),
		flushReq: make(chan chan struct{}, 1),
		done:     make(chan struct{}),
	}
	l.workerWG.Add(1)
	go l.run()
	return l, nil
}

func logDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", fmt.Errorf("logger: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codeagent", "logs"), nil
}

func sanitizeSuffix(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	changed := false
	for _, r := range trimmed {
		if isSafeSuffixRune(r) {
			b.WriteRune(r)
		} else {
			changed = true
			b.WriteByte('-')
		}
		if b.Len() >= maxLogSuffixLen {
			changed = true
			break
		}
	}

	sanitized := strings.Trim(b.String(), "-.")
	if sanitized != b.String() {
		changed = true
	}
	if sanitized == "" {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if changed || len(sanitized) > maxLogSuffixLen {
		suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		maxPrefix := maxLogSuffixLen - len(suffix) - 1
		if maxPrefix < 1 {
			maxPrefix = 1
		}
		if len(sanitized) > maxPrefix {
			sanitized = sanitized[:maxPrefix]
		}
		sanitized = sanitized + "-" + suffix
	}
	return sanitized
}

func isSafeSuffixRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.':
		return true
	default:
		return false
	}
}

// Path returns the underlying log file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Logger) Info(msg string)  { l.log(levelInfo, msg) }
func (l *Logger) Warn(msg string)  { l.log(levelWarn, msg) }
func (l *Logger) Debug(msg string) { l.log(levelDebug, msg) }
func (l *Logger) Error(msg string) { l.log(levelError, msg) }

func (l *Logger) log(lv level, msg string) {
	if l == nil || l.closed.Load() {
		return
	}
	entry := logEntry{level: lv, text: msg, at: time.Now()}

	l.flushMu.Lock()
	l.pendingWG.Add(1)
	l.flushMu.Unlock()

	select {
	case l.ch <- entry:
	case <-l.done:
		l.pendingWG.Done()
	}
}

func (l *Logger) run() {
	defer l.workerWG.Done()

	interval := config.Duration("CODEAGENT_LOGGER_FLUSH_INTERVAL_MS", defaultFlushIntMs*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	writeEntry := func(entry logEntry) {
		defer l.pendingWG.Done()
		if _, err := fmt.Fprintln(l.writer, entry.format()); err != nil {
			l.drainPending.Store(true)
			if l.workerErr == nil {
				l.workerErr = err
			}
			return
		}
		l.drainPending.Store(false)

		if entry.isPriority() {
			l.retainError(entry.text)
		}
	}

	flush := func() {
		if l.drainPending.Load() {
			return
		}
		_ = l.writer.Flush()
	}

	finalize := func() {
		if err := l.writer.Flush(); err != nil && l.workerErr == nil {
			l.workerErr = err
		}
		if err := l.file.Sync(); err != nil && l.workerErr == nil {
			l.workerErr = err
		}
		if err := l.file.Close(); err != nil && l.workerErr == nil {
			l.workerErr = err
		}
	}

	for {
		select {
		case entry := <-l.ch:
			writeEntry(entry)
			if entry.isPriority() {
				flush()
			} else if len(l.ch) == 0 {
				// Queue drained below capacity's pressure point; a plain
				// entry that filled the queue still gets flushed here.
				flush()
			}

		case <-ticker.C:
			flush()

		case req := <-l.flushReq:
			flush()
			_ = l.file.Sync()
			close(req)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					writeEntry(entry)
				default:
					finalize()
					return
				}
			}
		}
	}
}

func (l *Logger) retainError(text string) {
	l.errorMu.Lock()
	defer l.errorMu.Unlock()
	l.errorEntries = append(l.errorEntries, text)
	if len(l.errorEntries) >= 2*errorRetentionCap {
		l.errorEntries = append([]string{}, l.errorEntries[len(l.errorEntries)-errorRetentionCap:]...)
	}
}

// ExtractRecentErrors returns up to maxEntries of the most recent ERROR/WARN
// entries, in chronological order.
func (l *Logger) ExtractRecentErrors(maxEntries int) []string {
	if l == nil || maxEntries <= 0 {
		return nil
	}
	l.errorMu.Lock()
	defer l.errorMu.Unlock()

	if len(l.errorEntries) == 0 {
		return nil
	}
	start := 0
	if len(l.errorEntries) > maxEntries {
		start = len(l.errorEntries) - maxEntries
	}
	out := make([]string, len(l.errorEntries)-start)
	copy(out, l.errorEntries[start:])
	return out
}

// Flush blocks until all entries submitted so far have been written.
func (l *Logger) Flush() {
	if l == nil {
		return
	}
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.pendingWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return
	}

	req := make(chan struct{})
	select {
	case l.flushReq <- req:
		select {
		case <-req:
		case <-time.After(1 * time.Second):
		}
	case <-l.done:
	case <-time.After(1 * time.Second):
	}
}

// Close stops the worker, performs a final flush, and waits up to
// CODEAGENT_LOGGER_CLOSE_TIMEOUT_MS (default 5000ms; 0 = wait indefinitely)
// for pending writes to settle. Safe to call more than once.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var closeErr error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)

		timeout := closeTimeout()
		workerDone := make(chan struct{})
		go func() {
			l.workerWG.Wait()
			close(workerDone)
		}()

		if timeout > 0 {
			select {
			case <-workerDone:
			case <-time.After(timeout):
				closeErr = fmt.Errorf("logger: worker did not stop within %s", timeout)
				return
			}
		} else {
			<-workerDone
		}

		if l.workerErr != nil && closeErr == nil {
			closeErr = l.workerErr
		}
	})
	return closeErr
}

func closeTimeout() time.Duration {
	raw, ok := config.Lookup("CODEAGENT_LOGGER_CLOSE_TIMEOUT_MS")
	if !ok {
		return defaultCloseTimeout
	}
	ms, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultCloseTimeout
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// RemoveLogFile deletes the log file. Call only after Close().
func (l *Logger) RemoveLogFile() error {
	if l == nil {
		return nil
	}
	return os.Remove(l.path)
}

// Null is a no-op Logger usable wherever a *Logger is expected but logging
// is disabled (quiet mode). All methods are safe on a nil *Logger, so Null
// simply returns nil.
func Null() *Logger { return nil }
