package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/meridian-obs/contimg/internal/config"
)

// InstanceLock is the single-instance daemon guard: an OS flock on
// daemon.lock plus a daemon.pid file for operators. The flock is the
// authority; the pid file is advisory and may be stale after a crash.
type InstanceLock struct {
	lock    *flock.Flock
	pidPath string
}

// AcquireInstanceLock takes the daemon flock and writes the pid file.
// It fails when another daemon already holds the lock.
func AcquireInstanceLock(cfg *config.Config) (*InstanceLock, error) {
	if err := os.MkdirAll(cfg.Paths.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(cfg.LockFilePath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	if !locked {
		if pid, err := ReadPIDFile(cfg.PIDFilePath()); err == nil {
			return nil, fmt.Errorf("another daemon is already running (pid %d)", pid)
		}
		return nil, fmt.Errorf("another daemon is already running (%s is locked)", cfg.LockFilePath())
	}

	pidPath := cfg.PIDFilePath()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return &InstanceLock{lock: lock, pidPath: pidPath}, nil
}

// Release removes the pid file and drops the flock.
func (l *InstanceLock) Release() error {
	_ = os.Remove(l.pidPath)
	return l.lock.Unlock()
}

// ReadPIDFile parses a daemon pid file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}

// daemonRunning reports whether a daemon holds the instance lock under the
// state directory. Probing briefly takes the lock when it is free.
func daemonRunning(stateDir string) bool {
	lock := flock.New(filepath.Join(stateDir, "daemon.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		// Cannot probe; assume a daemon is running rather than trample it.
		return true
	}
	if locked {
		_ = lock.Unlock()
		return false
	}
	return true
}
