package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLockHeld is returned when another live process holds the lock.
var ErrLockHeld = errors.New("lock held by another process")

// Lock is a host-wide exclusive marker file recording the holder's pid.
// Acquire fails if a live process holds it; a marker left behind by a dead
// process is reclaimed. Release is safe on every exit path.
type Lock struct {
	path string
	held bool
}

// NewLock returns a lock backed by the marker file at path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock for the current process. It returns ErrLockHeld
// (wrapped with the holder pid) when a live holder exists.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			if werr != nil {
				os.Remove(l.path)
				return fmt.Errorf("write lock marker: %w", werr)
			}
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock marker: %w", err)
		}

		pid, rerr := l.holderPID()
		if rerr == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
		}
		// Stale or unreadable marker: reclaim and retry once.
		os.Remove(l.path)
	}
	return fmt.Errorf("%w (marker at %s keeps reappearing)", ErrLockHeld, l.path)
}

// Release removes the marker. Calling it without holding the lock is a no-op.
func (l *Lock) Release() {
	if !l.held {
		return
	}
	l.held = false
	os.Remove(l.path)
}

// HolderPID reports the pid recorded in the marker and whether that process
// is alive. A missing marker returns (0, false, nil).
func (l *Lock) HolderPID() (pid int, alive bool, err error) {
	pid, err = l.holderPID()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pid, processAlive(pid), nil
}

func (l *Lock) holderPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
