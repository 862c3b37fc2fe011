// Command codeagent fronts Codex, Claude, Gemini, and Opencode behind one
// CLI: it is the thin outer adapter that turns a task.Result or a typed
// codeagenterr error into a process exit code, per the core/adapter split
// the Task Executor and DAG Scheduler packages are built around.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/config"
	"github.com/example/codeagent/internal/logger"
	"github.com/example/codeagent/internal/wrapperid"
)

var (
	flagBackend         string
	flagModel           string
	flagAgent           string
	flagPromptFile      string
	flagReasoningEffort string
	flagSkipPermissions bool
	flagTimeout         int
	flagQuiet           bool
	flagBackendOutput   bool
	flagDebug           bool
	flagMinimalEnv      bool
	flagFullOutput      bool
	flagMaxWorkers      int

	activeLogger *logger.Logger
	exitCode     int
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		// Reaches here only for cobra's own usage errors (bad flag, wrong
		// arg count) — every RunE in this package reports its own failures
		// via fail() and returns nil so PersistentPostRunE still flushes
		// the logger.
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		if exitCode == 0 {
			exitCode = codeagenterr.ExitConfiguration
		}
	}
	os.Exit(exitCode)
}

// fail records err as this run's outcome: it prints the message, sets the
// process exit code, and returns nil so cobra still runs
// PersistentPostRunE (the logger flush/close/dump-on-failure sequence).
func fail(err error) error {
	exitCode = codeagenterr.ExitCodeFor(err)
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	return nil
}

func newRootCmd() *cobra.Command {
	name := wrapperid.Current()

	root := &cobra.Command{
		Use:           name + " [task] [workdir]",
		Short:         "Run an AI CLI backend as a managed child process",
		Version:       "1.0.0",
		Args:          cobra.MaximumNArgs(2),
		RunE:          runSingleTask,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagBackend, "backend", config.Get("CODEAGENT_BACKEND", "codex"), "backend: codex|claude|gemini|opencode")
	root.PersistentFlags().StringVar(&flagModel, "model", config.Get("CODEAGENT_MODEL", ""), "model name passed through to the backend")
	root.PersistentFlags().StringVar(&flagAgent, "agent", "", "agent preset name")
	root.PersistentFlags().StringVar(&flagPromptFile, "prompt-file", "", "prepend this file's contents to the task")
	root.PersistentFlags().StringVar(&flagReasoningEffort, "reasoning-effort", "", "reasoning effort passed through to the backend")
	root.PersistentFlags().BoolVar(&flagSkipPermissions, "skip-permissions", config.Bool("CODEAGENT_SKIP_PERMISSIONS", false), "skip backend permission prompts")
	root.PersistentFlags().BoolVar(&flagSkipPermissions, "yolo", flagSkipPermissions, "alias for --skip-permissions")
	root.PersistentFlags().IntVar(&flagTimeout, "timeout", 0, "per-task timeout in seconds (0 = use CODEX_TIMEOUT or the 2h default)")
	root.PersistentFlags().BoolVar(&flagQuiet, "quiet", config.Bool("CODEAGENT_QUIET", false), "suppress progress output")
	root.PersistentFlags().BoolVar(&flagBackendOutput, "backend-output", config.Bool("CODEAGENT_BACKEND_OUTPUT", false), "mirror backend stderr, prefixed [BACKEND]")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", config.Bool("CODEAGENT_DEBUG", false), "verbose diagnostic logging")
	root.PersistentFlags().BoolVar(&flagMinimalEnv, "minimal-env", false, "pass the child only an allow-listed environment")
	root.PersistentFlags().IntVar(&flagMaxWorkers, "max-workers", config.Int("CODEAGENT_MAX_PARALLEL_WORKERS", 0), "parallel mode concurrency limit (0 = unbounded)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		l, err := logger.New()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		activeLogger = l
		if _, err := logger.CleanupOldLogs(); err != nil {
			l.Warn(fmt.Sprintf("startup log cleanup: %v", err))
		}
		return nil
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return finalizeLogger()
	}

	root.AddCommand(newResumeCmd(), newParallelCmd(), newCleanupCmd())
	return root
}

// finalizeLogger flushes and closes the process logger, dumping recent
// ERROR/WARN entries to stderr on a failed run, then always removes the
// log file — the log exists to diagnose the run that just ended, not to
// accumulate across runs (CleanupOldLogs handles the case where the
// process is killed before reaching this point).
func finalizeLogger() error {
	l := activeLogger
	if l == nil {
		return nil
	}
	l.Flush()
	closeErr := l.Close()

	if exitCode != 0 {
		if recent := l.ExtractRecentErrors(10); len(recent) > 0 {
			fmt.Fprintln(os.Stderr, "\n=== Recent Errors ===")
			for _, entry := range recent {
				fmt.Fprintln(os.Stderr, entry)
			}
		}
	}
	_ = l.RemoveLogFile()
	return closeErr
}
