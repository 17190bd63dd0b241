//go:build !windows

package arbiter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// NamedLock is a cross-process exclusive lock identified by name.
//
// On Unix it is an flock(2) on <dir>/<name>.lock. Locks are attached to the open
// file description, so two NamedLocks with the same name exclude each other even
// inside one process. The kernel drops the lock when the holder exits, which is
// how an abandoned lock becomes available to the next caller.
//
// The lock file is never removed: unlinking it while another process waits on the
// old inode would let two processes own the same name.
type NamedLock struct {
	name string
	path string

	mu     sync.Mutex
	file   *os.File
	held   bool
	closed bool
}

// OpenNamedLock opens (creating if needed) the lock for name in dir.
// An empty dir uses DefaultLockDir.
func OpenNamedLock(name, dir string) (*NamedLock, error) {
	if dir == "" {
		dir = DefaultLockDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := filepath.Join(dir, lockName(name)+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	return &NamedLock{
		name: name,
		path: path,
		file: file,
	}, nil
}

// Name returns the logical lock name.
func (l *NamedLock) Name() string {
	return l.name
}

// TryLock attempts a non-blocking acquisition.
func (l *NamedLock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrLockClosed
	}
	if l.held {
		return true, nil
	}

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}

	l.held = true
	return true, nil
}

// Lock retries TryLock until it succeeds, fails, or ctx is done.
// A context expiry is not an error: it returns false, nil.
func (l *NamedLock) Lock(ctx context.Context) (bool, error) {
	for {
		ok, err := l.TryLock()
		if ok || err != nil {
			return ok, err
		}
		if !waitRetry(ctx, lockRetryInterval) {
			return false, nil
		}
	}
}

// Unlock releases the lock. It returns ErrNotHeld if the lock is not held.
func (l *NamedLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlockLocked()
}

func (l *NamedLock) unlockLocked() error {
	if l.closed {
		return ErrLockClosed
	}
	if !l.held {
		return ErrNotHeld
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	l.held = false
	return nil
}

// Held reports whether this NamedLock currently holds the lock.
func (l *NamedLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Abandoned reports whether the last acquisition took over an abandoned lock.
// flock locks are released by the kernel, so this is always false on Unix.
func (l *NamedLock) Abandoned() bool {
	return false
}

// Close releases the lock if held and closes the lock file. It is idempotent.
func (l *NamedLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	var unlockErr error
	if l.held {
		unlockErr = l.unlockLocked()
	}
	l.closed = true

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	return unlockErr
}
