package arbiter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotHeld is returned when releasing a lock the caller does not hold.
var ErrNotHeld = errors.New("named lock not held")

// ErrLockClosed is returned by operations on a closed NamedLock.
var ErrLockClosed = errors.New("named lock closed")

// lockRetryInterval is how often Lock retries a non-blocking acquisition.
const lockRetryInterval = 25 * time.Millisecond

// DefaultLockDir returns the directory holding lock files on platforms that use them.
func DefaultLockDir() string {
	return filepath.Join(os.TempDir(), "cheappipe")
}

// lockName maps a logical server name onto something safe for file and kernel object names.
func lockName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// waitRetry blocks for one retry interval, returning false if ctx is done first.
func waitRetry(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
