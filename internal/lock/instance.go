// Package lock enforces single-instance operation via a PID file
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
)

// InstanceLock is a PID-file lock under the data directory. Two live
// processes trading the same account would double-spend exposure budgets,
// so acquisition fails when the recorded PID is still running.
type InstanceLock struct {
	path   string
	logger core.ILogger
	held   bool

	// pidAlive is swappable for tests
	pidAlive func(pid int) bool
}

// New creates a lock at dir/trader.pid
func New(dir string, logger core.ILogger) *InstanceLock {
	return &InstanceLock{
		path:     filepath.Join(dir, "trader.pid"),
		logger:   logger.WithField("component", "instance_lock"),
		pidAlive: pidAlive,
	}
}

// pidAlive probes a PID with signal 0
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Acquire takes the lock. A stale file (dead PID or unparseable content)
// is removed and replaced; a live PID fails with ErrInstanceLocked unless
// force is set, which is for operator recovery only.
func (l *InstanceLock) Acquire(force bool) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if data, err := os.ReadFile(l.path); err == nil {
		pid, parseErr := strconv.Atoi(strings.TrimSpace(string(data)))
		switch {
		case parseErr != nil:
			l.logger.Warn("Removing unparseable lock file", "path", l.path)
		case l.pidAlive(pid) && pid != os.Getpid():
			if !force {
				return fmt.Errorf("%w: pid %d holds %s", apperrors.ErrInstanceLocked, pid, l.path)
			}
			l.logger.Warn("Forcing lock acquisition over live process",
				"pid", pid, "path", l.path)
		default:
			l.logger.Info("Removing stale lock file", "pid", pid, "path", l.path)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old lock file: %w", err)
		}
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	l.held = true
	l.logger.Info("Instance lock acquired", "path", l.path, "pid", os.Getpid())
	return nil
}

// Release removes the lock file when this process holds it
func (l *InstanceLock) Release() {
	if !l.held {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	l.held = false
	l.logger.Info("Instance lock released", "path", l.path)
}

// Path returns the lock file location
func (l *InstanceLock) Path() string {
	return l.path
}
