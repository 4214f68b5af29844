// Package lock provides the per-host exclusive run lock.
//
// Only one safedeploy run may mutate the backup root and the live
// configuration at a time. The lock is an advisory flock(2) on a file; the
// kernel drops it when the holding process exits, so a crashed run never
// leaves a stale lock behind.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrLockHeld is returned when another process holds the lock.
	ErrLockHeld = errors.New("another safedeploy run holds the lock")
	// ErrLockAcquireFailed wraps unexpected failures while acquiring.
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
)

// FileLock is NOT safe for concurrent use by multiple goroutines.
type FileLock struct {
	path string
	file *os.File
}

func New(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file location.
func (l *FileLock) Path() string { return l.path }

// Acquire takes the lock without blocking. If another process holds it,
// ErrLockHeld is returned (wrapped with the holder's PID when known).
func (l *FileLock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("%w: create lock directory: %v", ErrLockAcquireFailed, err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLockAcquireFailed, l.path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := readPID(l.path); pid > 0 {
				return fmt.Errorf("%w (pid %d, lock file %s)", ErrLockHeld, pid, l.path)
			}
			return fmt.Errorf("%w (lock file %s)", ErrLockHeld, l.path)
		}
		return fmt.Errorf("%w: flock: %v", ErrLockAcquireFailed, err)
	}

	// PID and start time are diagnostics only.
	_ = file.Truncate(0)
	_, _ = file.Seek(0, 0)
	_, _ = fmt.Fprintf(file, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))

	l.file = file
	return nil
}

// Release drops the lock. Safe to call multiple times or before Acquire.
// The lock file itself is left in place; removing it would let a second
// process lock a fresh inode while a third still waits on the old one.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// Held reports whether this FileLock currently holds the lock.
func (l *FileLock) Held() bool { return l.file != nil }

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			pid, err := strconv.Atoi(strings.TrimSpace(v))
			if err == nil {
				return pid
			}
		}
	}
	return 0
}
