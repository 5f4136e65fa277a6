// Package lockfile keeps a single engine process per data directory. The lock is a file
// holding the owner's PID, created exclusively and removed on release.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	logger "github.com/sirupsen/logrus"
)

var ErrLocked = errors.New("lockfile: another engine process holds the lock")

// alive reports whether pid names a running process. Swapped in tests.
var alive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

type Lock struct {
	path string
	once sync.Once
}

// Acquire creates the lock at path. A lock left by a process that is no longer running
// is removed and acquisition retried once.
func Acquire(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := create(path)
		if err == nil {
			logger.WithFields(map[string]interface{}{
				"component": "lockfile",
				"path":      path,
				"pid":       os.Getpid(),
			}).Info("Process lock acquired")
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		pid, readErr := owner(path)
		if readErr == nil && alive(pid) && pid != os.Getpid() {
			return nil, fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, path)
		}
		logger.WithFields(map[string]interface{}{
			"component": "lockfile",
			"path":      path,
			"pid":       pid,
		}).Warn("Removing stale process lock")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func create(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

func owner(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// Release removes the lock if this process still owns it. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		pid, err := owner(l.path)
		if err != nil || pid != os.Getpid() {
			logger.WithField("path", l.path).Warn("Lock no longer owned, leaving it")
			return
		}
		if err := os.Remove(l.path); err != nil {
			logger.WithField("path", l.path).WithError(err).Error("Failed to remove process lock")
			return
		}
		logger.WithField("path", l.path).Info("Process lock released")
	})
}
