package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/codeagent/internal/backend"
	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/config"
	"github.com/example/codeagent/internal/executor"
	"github.com/example/codeagent/internal/task"
	"github.com/example/codeagent/internal/wrapperid"
)

// defaultTimeout mirrors the teacher's 2-hour default (code-router/main.go).
const defaultTimeout = 7200 * time.Second

var stdinReader io.Reader = os.Stdin
var isTerminalFn = defaultIsTerminal
var lookPathFn = exec.LookPath

func defaultIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func readPipedTask() (string, error) {
	if isTerminalFn() {
		return "", nil
	}
	data, err := io.ReadAll(stdinReader)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

// resolveSingleTaskSpec builds the task.Spec for single-task execution from
// the positional args and the global flags, applying stdin/piped-task
// detection: a literal "-" task argument forces stdin-feed mode; otherwise a
// non-terminal stdin is read, and if it is non-empty it becomes the task in
// place of any task argument.
func resolveSingleTaskSpec(args []string) (spec *task.Spec, piped bool, err error) {
	var taskArg, workDir string
	if len(args) > 0 {
		taskArg = args[0]
	}
	if len(args) > 1 {
		workDir = args[1]
	}

	explicitStdin := taskArg == "-"
	var taskText string

	if explicitStdin {
		data, readErr := io.ReadAll(stdinReader)
		if readErr != nil {
			return nil, false, fmt.Errorf("read stdin: %w", readErr)
		}
		taskText = string(data)
		if taskText == "" {
			return nil, false, &codeagenterr.ConfigurationError{Reason: "missing task"}
		}
		piped = !isTerminalFn()
	} else {
		pipedTask, readErr := readPipedTask()
		if readErr != nil {
			return nil, false, readErr
		}
		if pipedTask != "" {
			taskText, piped = pipedTask, true
		} else {
			taskText = taskArg
		}
	}

	spec, err = specFromFlags("task", taskText, workDir, "")
	if err != nil {
		return nil, false, err
	}
	spec.UseStdin = explicitStdin
	return spec, piped, nil
}

func runSingleTask(cmd *cobra.Command, args []string) error {
	spec, piped, err := resolveSingleTaskSpec(args)
	if err != nil {
		return fail(err)
	}

	b, err := backend.Select(flagBackend)
	if err != nil {
		return fail(err)
	}
	if _, lookErr := lookPathFn(b.Command()); lookErr != nil {
		return fail(&codeagenterr.BackendNotFoundError{Backend: string(b.Name()) + " (" + b.Command() + ")", Err: lookErr})
	}

	name := wrapperid.Current()
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "[%s]\n", name)
		fmt.Fprintf(os.Stderr, "  Backend: %s\n", b.Name())
		fmt.Fprintf(os.Stderr, "  PID: %d\n", os.Getpid())
		fmt.Fprintf(os.Stderr, "  Log: %s\n", activeLogger.Path())
	}

	timeout := resolveTimeout()
	result := executor.Run(spec, b, executor.Options{
		Timeout:              timeout,
		Logger:               activeLogger,
		ProgressCallback:     progressCallback(),
		ForwardBackendStderr: flagBackendOutput,
		Piped:                piped,
	})

	exitCode = result.ExitCode
	printResult(result)
	return nil
}

func progressCallback() func(task.ProgressUpdate) {
	if flagQuiet {
		return nil
	}
	return func(u task.ProgressUpdate) {
		if u.ToolName != "" {
			fmt.Fprintf(os.Stderr, "  [%s] %s\n", u.Stage, u.ToolName)
		} else {
			fmt.Fprintf(os.Stderr, "  [%s]\n", u.Stage)
		}
	}
}

func printResult(result task.Result) {
	if result.ExitCode == 0 {
		fmt.Println(result.Message)
		if result.SessionID != "" {
			fmt.Printf("\n---\nSESSION_ID: %s\n", result.SessionID)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "ERROR: %s\n", result.Error)
	switch result.ExitCode {
	case codeagenterr.ExitBackendNotFound:
		fmt.Fprintf(os.Stderr, "Suggestion: install the %q CLI and ensure it is on PATH.\n", flagBackend)
	case codeagenterr.ExitTimeout:
		fmt.Fprintln(os.Stderr, "Suggestion: increase --timeout or CODEX_TIMEOUT.")
	}
	if result.StderrTail != "" {
		fmt.Fprintln(os.Stderr, "--- stderr tail ---")
		fmt.Fprintln(os.Stderr, result.StderrTail)
	}
}

func resolveTimeout() time.Duration {
	if flagTimeout > 0 {
		return time.Duration(flagTimeout) * time.Second
	}
	return config.Timeout(defaultTimeout)
}
