//go:build windows

package arbiter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/windows"
)

const (
	// waitTimeout is WAIT_TIMEOUT as returned by WaitForSingleObject.
	waitTimeout = 0x00000102

	// lockWaitSlice bounds each blocking wait so Lock can observe its context.
	lockWaitSlice = 50
)

type lockOp int

const (
	opAcquire lockOp = iota
	opRelease
	opClose
)

type lockRequest struct {
	op        lockOp
	timeoutMs uint32
	reply     chan lockReply
}

type lockReply struct {
	ok        bool
	abandoned bool
	err       error
}

// NamedLock is a cross-process exclusive lock identified by name.
//
// On Windows it is a named kernel mutex. Mutex ownership belongs to a thread, so
// a single goroutine pinned to its OS thread owns the handle and performs every
// wait and release on behalf of callers. A mutex left behind by a crashed owner is
// reported by the kernel as abandoned; that counts as a successful acquisition.
type NamedLock struct {
	name string

	mu        sync.Mutex
	held      bool
	abandoned bool
	closed    bool

	reqs chan lockRequest
	done chan struct{}
}

// OpenNamedLock opens (creating if needed) the named mutex for name.
// dir is unused on Windows.
func OpenNamedLock(name, dir string) (*NamedLock, error) {
	l := &NamedLock{
		name: name,
		reqs: make(chan lockRequest),
		done: make(chan struct{}),
	}

	ready := make(chan error, 1)
	go l.own(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return l, nil
}

// own runs on a locked OS thread for the lifetime of the lock.
func (l *NamedLock) own(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	objName, err := windows.UTF16PtrFromString(`Local\cheappipe-` + lockName(l.name))
	if err != nil {
		ready <- fmt.Errorf("invalid lock name: %w", err)
		return
	}

	h, err := windows.CreateMutex(nil, false, objName)
	if err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		ready <- fmt.Errorf("failed to create named mutex: %w", err)
		return
	}
	defer windows.CloseHandle(h)
	ready <- nil

	held := false
	for req := range l.reqs {
		switch req.op {
		case opAcquire:
			if held {
				req.reply <- lockReply{ok: true}
				continue
			}
			event, err := windows.WaitForSingleObject(h, req.timeoutMs)
			switch event {
			case windows.WAIT_OBJECT_0:
				held = true
				req.reply <- lockReply{ok: true}
			case windows.WAIT_ABANDONED:
				held = true
				req.reply <- lockReply{ok: true, abandoned: true}
			case waitTimeout:
				req.reply <- lockReply{}
			default:
				req.reply <- lockReply{err: fmt.Errorf("wait on named mutex: %w", err)}
			}

		case opRelease:
			if !held {
				req.reply <- lockReply{err: ErrNotHeld}
				continue
			}
			if err := windows.ReleaseMutex(h); err != nil {
				req.reply <- lockReply{err: fmt.Errorf("release named mutex: %w", err)}
				continue
			}
			held = false
			req.reply <- lockReply{ok: true}

		case opClose:
			var err error
			if held {
				err = windows.ReleaseMutex(h)
			}
			req.reply <- lockReply{ok: true, err: err}
			return
		}
	}
}

func (l *NamedLock) call(op lockOp, timeoutMs uint32) lockReply {
	reply := make(chan lockReply, 1)
	select {
	case l.reqs <- lockRequest{op: op, timeoutMs: timeoutMs, reply: reply}:
		return <-reply
	case <-l.done:
		return lockReply{err: ErrLockClosed}
	}
}

// Name returns the logical lock name.
func (l *NamedLock) Name() string {
	return l.name
}

// TryLock attempts a non-blocking acquisition.
func (l *NamedLock) TryLock() (bool, error) {
	return l.acquire(0)
}

func (l *NamedLock) acquire(timeoutMs uint32) (bool, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, ErrLockClosed
	}
	l.mu.Unlock()

	r := l.call(opAcquire, timeoutMs)
	if r.err != nil || !r.ok {
		return false, r.err
	}

	l.mu.Lock()
	l.held = true
	l.abandoned = r.abandoned
	l.mu.Unlock()
	return true, nil
}

// Lock waits for the mutex until it is acquired, fails, or ctx is done.
// A context expiry is not an error: it returns false, nil.
func (l *NamedLock) Lock(ctx context.Context) (bool, error) {
	for {
		ok, err := l.acquire(lockWaitSlice)
		if ok || err != nil {
			return ok, err
		}
		if ctx.Err() != nil {
			return false, nil
		}
	}
}

// Unlock releases the mutex. It returns ErrNotHeld if the mutex is not held.
func (l *NamedLock) Unlock() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLockClosed
	}
	if !l.held {
		l.mu.Unlock()
		return ErrNotHeld
	}
	l.mu.Unlock()

	r := l.call(opRelease, 0)
	if r.err != nil {
		return r.err
	}

	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}

// Held reports whether this NamedLock currently holds the mutex.
func (l *NamedLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Abandoned reports whether the last acquisition took over an abandoned mutex.
func (l *NamedLock) Abandoned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abandoned
}

// Close releases the mutex if held and closes its handle. It is idempotent.
func (l *NamedLock) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.held = false
	l.mu.Unlock()

	r := l.call(opClose, 0)
	if r.err != nil && !errors.Is(r.err, ErrLockClosed) {
		return r.err
	}
	return nil
}
