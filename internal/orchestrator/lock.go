package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	stackerrors "github.com/systmms/stackup/internal/errors"
)

// acquireLock takes an advisory lock so two orchestrator invocations
// cannot run against the same host at once. The lock file holds the
// owner's pid; a lock left behind by a dead process is reclaimed.
func acquireLock(dir string) (release func(), err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := filepath.Join(dir, "stackup.lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		pid, readErr := readLockPid(path)
		if readErr == nil && processAlive(pid) {
			return nil, stackerrors.UserError{
				Message:    fmt.Sprintf("Another stackup run (pid %d) is in progress", pid),
				Suggestion: fmt.Sprintf("Wait for it to finish, or remove %s if it crashed", path),
			}
		}
		// Stale or unreadable lock: reclaim and retry the exclusive create.
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("could not acquire lock at %s", path)
}

func readLockPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
