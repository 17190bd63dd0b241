// Package arbiter decides which of several same-named server instances may accept
// connections. Ownership is a cross-process NamedLock; the Arbitrator tracks
// whether this instance holds it and raises a notification when it is gained.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Priority is an instance's right to accept connections on a shared name.
type Priority int

const (
	// PriorityNone means another instance owns the name (or nobody has claimed it yet).
	PriorityNone Priority = iota
	// PriorityHigh means this instance owns the name.
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	default:
		return "none"
	}
}

// Arbitrator owns the Priority state for one server instance.
type Arbitrator struct {
	lock     *NamedLock
	logger   *slog.Logger
	onChange func(Priority)

	mu       sync.Mutex
	priority Priority
	closed   bool
}

// Option configures an Arbitrator.
type Option func(*arbitratorOptions)

type arbitratorOptions struct {
	lockDir  string
	logger   *slog.Logger
	onChange func(Priority)
}

// WithLockDir sets the directory for lock files (ignored on Windows).
func WithLockDir(dir string) Option {
	return func(o *arbitratorOptions) {
		o.lockDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *arbitratorOptions) {
		o.logger = logger
	}
}

// WithOnChange registers fn to run after every None→High transition.
// fn is called without internal locks held.
func WithOnChange(fn func(Priority)) Option {
	return func(o *arbitratorOptions) {
		o.onChange = fn
	}
}

// New opens the named lock for name. It does not attempt acquisition.
func New(name string, opts ...Option) (*Arbitrator, error) {
	o := arbitratorOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	lock, err := OpenNamedLock(name, o.lockDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open named lock %q: %w", name, err)
	}

	return &Arbitrator{
		lock:     lock,
		logger:   o.logger.With("lock", name),
		onChange: o.onChange,
	}, nil
}

// Priority returns the current priority.
func (a *Arbitrator) Priority() Priority {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.priority
}

// TryAcquire makes one non-blocking attempt to take ownership.
func (a *Arbitrator) TryAcquire() bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	if a.priority == PriorityHigh {
		a.mu.Unlock()
		return true
	}

	ok, err := a.lock.TryLock()
	if err != nil {
		a.mu.Unlock()
		a.logger.Warn("Ownership attempt failed", "error", err)
		return false
	}
	if !ok {
		a.mu.Unlock()
		return false
	}

	a.priority = PriorityHigh
	a.mu.Unlock()

	a.acquired()
	return true
}

// Poll blocks until ownership is obtained or ctx is done, and reports which.
// It is meant to run off the dispatch loop.
func (a *Arbitrator) Poll(ctx context.Context) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	if a.priority == PriorityHigh {
		a.mu.Unlock()
		return true
	}
	a.mu.Unlock()

	ok, err := a.lock.Lock(ctx)
	if err != nil {
		if !errors.Is(err, ErrLockClosed) {
			a.logger.Warn("Ownership poll failed", "error", err)
		}
		return false
	}
	if !ok {
		return false
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = a.lock.Unlock()
		return false
	}
	changed := a.priority != PriorityHigh
	a.priority = PriorityHigh
	a.mu.Unlock()

	if changed {
		a.acquired()
	}
	return true
}

func (a *Arbitrator) acquired() {
	if a.lock.Abandoned() {
		a.logger.Warn("Took over abandoned ownership")
	} else {
		a.logger.Info("Acquired ownership")
	}
	if a.onChange != nil {
		a.onChange(PriorityHigh)
	}
}

// Release gives up ownership if held. No notification is raised.
func (a *Arbitrator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.priority != PriorityHigh {
		return
	}
	if err := a.lock.Unlock(); err != nil && !errors.Is(err, ErrNotHeld) {
		a.logger.Warn("Failed to release ownership", "error", err)
	}
	a.priority = PriorityNone
	a.logger.Info("Released ownership")
}

// Close releases ownership and the underlying handle permanently.
func (a *Arbitrator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.priority = PriorityNone
	return a.lock.Close()
}
