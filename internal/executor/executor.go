package executor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/example/codeagent/internal/backend"
	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/config"
	"github.com/example/codeagent/internal/logger"
	"github.com/example/codeagent/internal/signalbridge"
	"github.com/example/codeagent/internal/streamparser"
	"github.com/example/codeagent/internal/task"
)

const defaultStderrBufferSize = 64 * 1024

// gracePeriod is the wait between sending the terminate signal and
// escalating to kill. Not externally configurable — the external interface
// table names no env var for it.
const gracePeriod = 1 * time.Second

// Options carries everything about one execution that is not part of the
// task's own specification.
type Options struct {
	Timeout              time.Duration
	Logger               *logger.Logger
	AbortSignal          <-chan struct{}
	ProgressCallback     func(task.ProgressUpdate)
	ForwardBackendStderr bool
	Piped                bool
	Sanitize             func(message string, flavor task.BackendFlavor) string
}

// Run spawns backend's child process for spec, streams its stdout through
// the stream parser, and returns a deterministic task.Result once the child
// has exited or one of the three cancel sources has fired.
func Run(spec *task.Spec, b backend.Backend, opts Options) task.Result {
	log := opts.Logger

	effectiveTask := withPromptFile(spec, log)
	useStdin := decideUseStdin(spec.UseStdin, opts.Piped, effectiveTask)
	targetArg := effectiveTask
	if useStdin {
		targetArg = "-"
	}

	argv := b.BuildArgs(spec, targetArg)
	cmd := exec.Command(b.Command(), argv...)
	cmd.Env = buildEnv(spec.MinimalEnv)
	if spec.WorkDir != "" && b.Name() != task.FlavorCodex {
		cmd.Dir = spec.WorkDir
	}
	signalbridge.PrepareCommand(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailureResult(spec, log, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailureResult(spec, log, fmt.Errorf("stderr pipe: %w", err))
	}
	var stdinPipe io.WriteCloser
	if useStdin {
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return spawnFailureResult(spec, log, fmt.Errorf("stdin pipe: %w", err))
		}
	}

	parser := streamparser.New(opts.ProgressCallback, func() {
		log.Debug(fmt.Sprintf("task %s: backend signaled completion", spec.ID))
	})
	ring := newStderrRing(config.Int("CODEAGENT_STDERR_BUFFER_SIZE", defaultStderrBufferSize))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := parser.Run(stdoutPipe); err != nil {
			log.Warn(fmt.Sprintf("task %s: %v", spec.ID, err))
		}
	}()
	go func() {
		defer wg.Done()
		drainStderr(stderrPipe, ring, opts.ForwardBackendStderr)
	}()

	if err := cmd.Start(); err != nil {
		wg.Wait()
		return spawnFailureResult(spec, log, err)
	}

	if useStdin {
		go func() {
			_, _ = io.WriteString(stdinPipe, effectiveTask)
			_ = stdinPipe.Close()
		}()
	}

	proc := signalbridge.FromOSProcess(cmd.Process)
	bridge := signalbridge.New()
	cleanupBridge := bridge.Install(proc)
	defer cleanupBridge()

	// Wait closes the stdout/stderr pipes once the child exits, so it is
	// called only after both readers have reached EOF.
	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	abortC := opts.AbortSignal
	sigReceived := bridge.Received()

	var timedOut, interrupted bool
	var terminating bool
	var graceTimer *time.Timer
	beginTermination := func() {
		if terminating {
			return
		}
		terminating = true
		signalbridge.Terminate(proc)
		graceTimer = time.NewTimer(gracePeriod)
	}

	var waitErr error
waitLoop:
	for {
		var graceC <-chan time.Time
		if graceTimer != nil {
			graceC = graceTimer.C
		}
		select {
		case waitErr = <-waitCh:
			break waitLoop
		case <-timeoutC:
			timedOut = true
			timeoutC = nil
			beginTermination()
		case <-abortC:
			interrupted = true
			abortC = nil
			beginTermination()
		case <-sigReceived:
			interrupted = true
			sigReceived = nil
			beginTermination()
		case <-graceC:
			signalbridge.Kill(proc)
			graceTimer = nil
		}
	}

	wg.Wait()

	parsed := parser.Result()
	message := parsed.Message
	if opts.Sanitize != nil {
		message = opts.Sanitize(message, parsed.Flavor)
	}

	rawExit := exitCodeFromWaitErr(waitErr)

	result := task.Result{
		TaskID:    spec.ID,
		Message:   message,
		SessionID: parsed.SessionID,
		LogPath:   log.Path(),
	}

	switch {
	case timedOut:
		result.ExitCode = codeagenterr.ExitTimeout
		result.Error = (&codeagenterr.BackendTimeoutError{TaskID: spec.ID}).Error()
	case interrupted:
		result.ExitCode = codeagenterr.ExitInterrupted
		result.Error = (&codeagenterr.BackendInterruptedError{TaskID: spec.ID}).Error()
	default:
		result.ExitCode = rawExit
		if rawExit != 0 {
			result.Error = (&codeagenterr.BackendExecutionError{TaskID: spec.ID, Code: rawExit}).Error()
		}
	}

	if result.ExitCode != 0 {
		result.StderrTail = ring.String()
	}

	return result
}

func withPromptFile(spec *task.Spec, log *logger.Logger) string {
	if spec.PromptFile == "" {
		return spec.Task
	}
	data, err := os.ReadFile(spec.PromptFile)
	if err != nil {
		log.Warn(fmt.Sprintf("task %s: prompt file %q: %v", spec.ID, spec.PromptFile, err))
		return spec.Task
	}
	return string(data) + "\n\n=== TASK ===\n" + spec.Task
}

func drainStderr(r io.Reader, ring *stderrRing, mirror bool) {
	buf := make([]byte, 4096)
	var lineBuf bytes.Buffer
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = ring.Write(chunk)
			if mirror {
				lineBuf.Write(chunk)
				for {
					line, rest, found := cutLine(lineBuf.Bytes())
					if !found {
						break
					}
					fmt.Fprintln(os.Stderr, "[BACKEND] "+stripANSI(string(line)))
					lineBuf.Reset()
					lineBuf.Write(rest)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func cutLine(b []byte) (line, rest []byte, found bool) {
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return nil, b, false
	}
	return b[:idx], b[idx+1:], true
}

func exitCodeFromWaitErr(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

func spawnFailureResult(spec *task.Spec, log *logger.Logger, err error) task.Result {
	be := &codeagenterr.BackendNotFoundError{Backend: spec.BackendName, Err: err}
	log.Error(fmt.Sprintf("task %s: %v", spec.ID, be))
	return task.Result{
		TaskID:   spec.ID,
		ExitCode: codeagenterr.ExitBackendNotFound,
		Error:    be.Error(),
		LogPath:  log.Path(),
	}
}
