// Package signalbridge forwards terminal signals aimed at the wrapper
// process to the currently running child, and converts a received signal
// into the conventional 128+signum exit code. Installation is idempotent
// per Bridge; each Task Executor invocation owns its own Bridge and tears
// it down when the task ends.
package signalbridge

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// ProcessHandle is the minimal process surface the bridge needs to
// forward a signal or terminate a child. *os.Process satisfies it via the
// osProcess adapter below.
type ProcessHandle interface {
	Signal(os.Signal) error
	Kill() error
	Pid() int
}

// FromOSProcess adapts *os.Process to ProcessHandle.
func FromOSProcess(p *os.Process) ProcessHandle { return osProcess{p} }

type osProcess struct{ p *os.Process }

func (o osProcess) Signal(sig os.Signal) error { return o.p.Signal(sig) }
func (o osProcess) Kill() error                { return o.p.Kill() }
func (o osProcess) Pid() int                    { return o.p.Pid }

// Bridge observes — never owns — one running child for the duration of
// one Task Executor invocation.
type Bridge struct {
	mu           sync.Mutex
	installed    bool
	sigCh        chan os.Signal
	stopCh       chan struct{}
	interrupted  atomic.Bool
	lastSignal   atomic.Int32
	received     chan struct{}
	receivedOnce sync.Once
}

// New creates an uninstalled Bridge.
func New() *Bridge { return &Bridge{received: make(chan struct{})} }

// Received returns a channel that closes the moment this Bridge forwards
// its first signal. A caller selecting on it learns "a signal arrived"
// without polling Interrupted.
func (b *Bridge) Received() <-chan struct{} { return b.received }

// Install registers the platform's handled signals and starts forwarding
// them to proc. A Bridge is installed at most once: every later Install
// on the same Bridge, including one after cleanup, is a no-op that returns
// a no-op cleanup. Returns the stop function the caller must invoke when
// the execution ends (idempotent).
func (b *Bridge) Install(proc ProcessHandle) (cleanup func()) {
	b.mu.Lock()
	if b.installed {
		b.mu.Unlock()
		return func() {}
	}
	b.installed = true
	b.sigCh = make(chan os.Signal, 4)
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	signal.Notify(b.sigCh, handledSignals()...)

	go func() {
		for {
			select {
			case sig := <-b.sigCh:
				b.interrupted.Store(true)
				b.lastSignal.Store(int32(signalNumber(sig)))
				b.receivedOnce.Do(func() { close(b.received) })
				if proc != nil {
					_ = proc.Signal(sig)
				}
			case <-b.stopCh:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(b.sigCh)
			close(b.stopCh)
		})
	}
}

// Interrupted reports whether a handled signal has been received.
func (b *Bridge) Interrupted() bool { return b.interrupted.Load() }

// ExitCode returns the conventional 128+signum exit code for the last
// signal received, or 130 if none is known but Interrupted is true.
func (b *Bridge) ExitCode() int {
	if n := b.lastSignal.Load(); n > 0 {
		return 128 + int(n)
	}
	return 130
}

// Terminate sends the platform's "terminate" signal to proc. The executor
// is responsible for waiting out the grace period and calling Kill if the
// child is still alive; errors here are swallowed, matching the contract
// that a dying child may already be gone.
func Terminate(proc ProcessHandle) {
	_ = sendTerm(proc)
}

// Kill sends the platform's best-effort forceful termination.
func Kill(proc ProcessHandle) {
	_ = sendKill(proc)
}
