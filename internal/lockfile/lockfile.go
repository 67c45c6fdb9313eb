// Package lockfile guards the status directory with an advisory file lock
// so only one process synchronizes an account at a time.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning means another process holds the lock. Callers treat
// this as an orderly no-op, not a failure.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is a held process lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock at path without blocking. The holder's PID is
// written into the file for humans inspecting a stuck lock; the lock
// itself is the flock, not the content.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock. The file is left behind; a stale file without a
// flock holder does not block the next Acquire.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
