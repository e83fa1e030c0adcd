package home

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrServerRunning is returned by ClaimPID when a live server owns the pid file.
var ErrServerRunning = errors.New("server already running")

// ClaimPID writes the current pid to the home's pid file. A stale file left by
// a dead process is replaced.
func (d *Dir) ClaimPID() error {
	if pid, err := d.ReadPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrServerRunning, pid)
	}
	return os.WriteFile(d.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReleasePID removes the pid file.
func (d *Dir) ReleasePID() {
	_ = os.Remove(d.PIDPath())
}

// ReadPID returns the pid recorded in the pid file.
func (d *Dir) ReadPID() (int, error) {
	data, err := os.ReadFile(d.PIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}
