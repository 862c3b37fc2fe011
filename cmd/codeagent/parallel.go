package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/codeagent/internal/backend"
	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/executor"
	"github.com/example/codeagent/internal/scheduler"
	"github.com/example/codeagent/internal/task"
)

func newParallelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parallel",
		Short: "Run a dependency-ordered batch of tasks read from stdin",
		Args:  cobra.NoArgs,
		RunE:  runParallel,
	}
}

// parseParallelInput implements the stdin grammar: blocks delimited by a
// ---TASK--- line, a colon-delimited header, a ---CONTENT--- separator,
// then the task body. Unknown keys are ignored; a block with an empty id
// or empty content is discarded rather than rejected.
func parseParallelInput(data []byte) ([]*task.Spec, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	blocks := strings.Split(trimmed, "---TASK---")
	specs := make([]*task.Spec, 0, len(blocks))

	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		parts := strings.SplitN(block, "---CONTENT---", 2)
		if len(parts) != 2 {
			return nil, &codeagenterr.ConfigurationError{Reason: "task block missing ---CONTENT--- separator"}
		}
		header := strings.TrimSpace(parts[0])
		content := strings.TrimSpace(parts[1])

		spec := &task.Spec{BackendName: flagBackend}
		for _, line := range strings.Split(header, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			kv := strings.SplitN(line, ":", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.TrimSpace(kv[0])
			value := strings.TrimSpace(kv[1])

			switch key {
			case "id":
				spec.ID = value
			case "workdir":
				spec.WorkDir = value
			case "session_id":
				spec.SessionID = value
			case "backend":
				spec.BackendName = value
			case "model":
				spec.Model = value
			case "agent":
				spec.Agent = value
			case "dependencies":
				for _, dep := range strings.Split(value, ",") {
					if dep = strings.TrimSpace(dep); dep != "" {
						spec.Dependencies = append(spec.Dependencies, dep)
					}
				}
			case "skip_permissions":
				b, err := strconv.ParseBool(value)
				spec.SkipPermissions = err == nil && b
			}
			// unknown keys are ignored
		}

		if spec.ID == "" || content == "" {
			continue
		}
		spec.Task = content
		specs = append(specs, spec)
	}

	return specs, nil
}

func runParallel(cmd *cobra.Command, args []string) error {
	data, err := io.ReadAll(stdinReader)
	if err != nil {
		return fail(fmt.Errorf("read stdin: %w", err))
	}

	specs, err := parseParallelInput(data)
	if err != nil {
		return fail(err)
	}

	abort := make(chan struct{})
	run := func(spec *task.Spec) task.Result {
		name := spec.BackendName
		if name == "" {
			name = flagBackend
		}
		b, err := backend.Select(name)
		if err != nil {
			return task.Result{TaskID: spec.ID, ExitCode: codeagenterr.ExitConfiguration, Error: err.Error()}
		}
		if _, lookErr := lookPathFn(b.Command()); lookErr != nil {
			notFound := &codeagenterr.BackendNotFoundError{Backend: string(b.Name()) + " (" + b.Command() + ")", Err: lookErr}
			return task.Result{TaskID: spec.ID, ExitCode: notFound.ExitCode(), Error: notFound.Error()}
		}
		spec.MinimalEnv = flagMinimalEnv
		spec.SkipPermissions = spec.SkipPermissions || flagSkipPermissions
		return executor.Run(spec, b, executor.Options{
			Timeout:              resolveTimeout(),
			Logger:               activeLogger,
			AbortSignal:          abort,
			ForwardBackendStderr: flagBackendOutput,
		})
	}

	summary, err := scheduler.RunParallel(specs, run, flagMaxWorkers, abort)
	if err != nil {
		return fail(err)
	}

	printParallelSummary(summary)

	exitCode = 0
	for _, res := range summary.Results {
		if res.ExitCode != 0 {
			exitCode = res.ExitCode
		}
	}
	return nil
}

func printParallelSummary(summary scheduler.Summary) {
	fmt.Printf("Run: %s\n", summary.RunID)
	fmt.Printf("Succeeded: %d/%d\n\n", summary.SucceededCount, len(summary.Results))
	for _, res := range summary.Results {
		status := "OK"
		if res.ExitCode != 0 {
			status = fmt.Sprintf("FAILED(%d)", res.ExitCode)
		}
		fmt.Printf("[%s] %s\n", res.TaskID, status)
		if flagFullOutput && res.Message != "" {
			fmt.Println(res.Message)
		}
		if res.Error != "" {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", res.TaskID, res.Error)
		}
	}
}
