package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFile records the PID of the running server under the data dir.
type pidFile string

func pidFileIn(dataDir string) pidFile {
	return pidFile(filepath.Join(dataDir, "scoutd.pid"))
}

func (p pidFile) write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", p)
	}
	return pid, nil
}

func (p pidFile) remove() {
	if err := os.Remove(string(p)); err != nil && !errors.Is(err, os.ErrNotExist) {
		printWarning("removing %s: %v", p, err)
	}
}

// signal sends sig to the recorded process. A file naming a process that
// no longer exists is removed and reported as not running.
func (p pidFile) signal(sig syscall.Signal) (int, error) {
	pid, err := p.read()
	if err != nil {
		return 0, fmt.Errorf("scoutd is not running (no PID file): %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(sig)
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		p.remove()
		return pid, fmt.Errorf("scoutd is not running (stale PID %d)", pid)
	}
	if err != nil {
		return pid, fmt.Errorf("signalling scoutd (PID %d): %w", pid, err)
	}
	return pid, nil
}
