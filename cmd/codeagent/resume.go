package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/codeagent/internal/backend"
	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/executor"
	"github.com/example/codeagent/internal/task"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session_id> <task> [workdir]",
		Short: "Continue a prior backend session with a new task",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runResume,
	}
}

// resolveResumeSpec mirrors resolveSingleTaskSpec's stdin/piped-task
// detection for the resume path's task argument: a literal "-" forces
// stdin-feed mode just as it does for single-task execution.
func resolveResumeSpec(args []string) (spec *task.Spec, piped bool, err error) {
	sessionID := args[0]
	taskText := args[1]
	workDir := ""
	if len(args) > 2 {
		workDir = args[2]
	}

	explicitStdin := taskText == "-"

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
		}
	}

	spec, err = specFromFlags("resume", taskText, workDir, sessionID)
	if err != nil {
		return nil, false, err
	}
	spec.UseStdin = explicitStdin
	return spec, piped, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	spec, piped, err := resolveResumeSpec(args)
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

	result := executor.Run(spec, b, executor.Options{
		Timeout:              resolveTimeout(),
		Logger:               activeLogger,
		ProgressCallback:     progressCallback(),
		ForwardBackendStderr: flagBackendOutput,
		Piped:                piped,
	})

	exitCode = result.ExitCode
	printResult(result)
	return nil
}
