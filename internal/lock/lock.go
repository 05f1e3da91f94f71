// Package lock provides the per-service deploy lock: an exclusive,
// non-blocking advisory flock on <lock_dir>/<kind>.lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrContended is returned when another process holds the lock.
var ErrContended = errors.New("deploy lock is held by another process")

// FileLock is an advisory lock on a single file. The zero value is not
// usable; construct with New or ForKind.
type FileLock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// New returns a lock on the file at path. The file is created on first
// acquisition and never removed.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// ForKind returns the deploy lock for a service kind.
func ForKind(dir, kind string) *FileLock {
	return New(filepath.Join(dir, kind+".lock"))
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// TryLock attempts to take the lock without blocking. It returns
// ErrContended if another holder has it.
func (l *FileLock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		return fmt.Errorf("lock %s already held by this process", l.path)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening lock %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%s: %w", l.path, ErrContended)
		}
		return fmt.Errorf("locking %s: %w", l.path, err)
	}

	// Record the holder for operators inspecting a stuck lock.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	l.f = f
	return nil
}

// Unlock releases the lock. Releasing a lock that is not held is a no-op.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this FileLock currently holds the lock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil
}
