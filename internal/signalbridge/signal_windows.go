//go:build windows

package signalbridge

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

func handledSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func signalNumber(sig os.Signal) int {
	if sig == os.Interrupt {
		return 2
	}
	return 0
}

// PrepareCommand is a no-op on Windows; process-group termination is
// instead handled by killing the whole process tree in sendTerm.
func PrepareCommand(cmd *exec.Cmd) {}

// sendTerm kills the whole process tree since Windows has no SIGTERM.
func sendTerm(proc ProcessHandle) error {
	if proc == nil {
		return nil
	}
	pid := proc.Pid()
	if pid <= 0 {
		return proc.Kill()
	}

	taskkill := "taskkill"
	if root := os.Getenv("SystemRoot"); root != "" {
		taskkill = filepath.Join(root, "System32", "taskkill.exe")
	}
	cmd := exec.Command(taskkill, "/PID", strconv.Itoa(pid), "/T", "/F")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err == nil {
		return nil
	}
	if err := killProcessTree(pid); err == nil {
		return nil
	}
	return proc.Kill()
}

func sendKill(proc ProcessHandle) error {
	return sendTerm(proc)
}

func killProcessTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	wmic := "wmic"
	if root := os.Getenv("SystemRoot"); root != "" {
		wmic = filepath.Join(root, "System32", "wbem", "WMIC.exe")
	}

	listCmd := exec.Command(wmic, "process", "where", "(ParentProcessId="+strconv.Itoa(pid)+")", "get", "ProcessId", "/VALUE")
	listCmd.Stderr = io.Discard
	out, err := listCmd.Output()
	if err == nil {
		for _, child := range parseWMICPIDs(out) {
			_ = killProcessTree(child)
		}
	}

	termCmd := exec.Command(wmic, "process", "where", "(ProcessId="+strconv.Itoa(pid)+")", "call", "terminate")
	termCmd.Stdout = io.Discard
	termCmd.Stderr = io.Discard
	if termErr := termCmd.Run(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

func parseWMICPIDs(out []byte) []int {
	const prefix = "ProcessId="
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefix)))
		if err != nil || n <= 0 {
			continue
		}
		pids = append(pids, n)
	}
	return pids
}
