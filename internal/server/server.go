// Package server implements a named-pipe listener shared by several process
// instances. Only the instance owning the name accepts connections; the others
// poll for ownership and take over when the owner stops. Each accepted connection
// is read fully into an envelope and handed to subscribers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/willibrandon/cheappipe/internal/arbiter"
	"github.com/willibrandon/cheappipe/internal/envelope"
	"github.com/willibrandon/cheappipe/internal/metrics"
	"github.com/willibrandon/cheappipe/internal/pipe"
)

// Priority is re-exported from arbiter for callers of this package.
type Priority = arbiter.Priority

const (
	PriorityNone = arbiter.PriorityNone
	PriorityHigh = arbiter.PriorityHigh
)

const (
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultReadBufferSize = 64 * 1024
	DefaultReadTimeout    = 30 * time.Second
)

// Transport opens the listener for a named endpoint.
type Transport interface {
	Listen(name string) (net.Listener, error)
}

// Server is one instance listening on a shared pipe name.
type Server struct {
	name      string
	arb       *arbiter.Arbitrator
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	recorder  metrics.Recorder
	lockDir   string

	pollInterval   time.Duration
	retryDelay     time.Duration
	readTimeout    time.Duration
	readBufferSize int

	mu                 sync.Mutex
	state              State
	fault              error
	closing            bool
	ignorePriority     bool
	concurrentRequests int
	dispatcher         Dispatcher
	messageHandlers    []messageSub
	priorityHandlers   []prioritySub
	nextSub            uint64
	activeStreams      map[*operation]*stream
	pending            int
	run                *run
}

// Option configures a Server.
type Option func(*Server)

// WithDispatcher sets the execution context notifications are delivered on.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock sets the clock driving retry delays and receive timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithTransport replaces the platform pipe transport.
func WithTransport(t Transport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Server) {
		s.recorder = r
	}
}

// WithPollInterval sets how long one ownership poll waits before the loop retries.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pollInterval = d
	}
}

// WithRetryDelay sets the pause after a failed accept.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Server) {
		s.retryDelay = d
	}
}

// WithReadBufferSize sets the size of each read from a connection.
func WithReadBufferSize(n int) Option {
	return func(s *Server) {
		s.readBufferSize = n
	}
}

// WithReadTimeout bounds how long a connection may take to deliver its message.
// Zero disables the deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = d
	}
}

// WithLockDir sets the directory for ownership lock files (ignored on Windows).
func WithLockDir(dir string) Option {
	return func(s *Server) {
		s.lockDir = dir
	}
}

// WithConcurrentRequests sets the accept pool size (clamped).
func WithConcurrentRequests(n int) Option {
	return func(s *Server) {
		s.concurrentRequests = clampConcurrency(n)
	}
}

// WithIgnorePriority lets the instance accept connections without owning the name.
func WithIgnorePriority(ignore bool) Option {
	return func(s *Server) {
		s.ignorePriority = ignore
	}
}

// New creates a server for name and immediately tries to take ownership of it.
// An empty name is replaced by a random one.
func New(name string, opts ...Option) (*Server, error) {
	if name == "" {
		name = uuid.NewString()
	}

	s := &Server{
		name:               name,
		transport:          pipe.Transport{},
		clock:              clock.NewClock(),
		logger:             slog.Default(),
		recorder:           metrics.Nop{},
		pollInterval:       DefaultPollInterval,
		retryDelay:         DefaultRetryDelay,
		readTimeout:        DefaultReadTimeout,
		readBufferSize:     DefaultReadBufferSize,
		state:              StateIdle,
		concurrentRequests: runtime.NumCPU(),
		activeStreams:      make(map[*operation]*stream),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.readBufferSize <= 0 {
		s.readBufferSize = DefaultReadBufferSize
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	s.logger = s.logger.With("component", "pipeserver", "pipe", name)

	arb, err := arbiter.New(name,
		arbiter.WithLockDir(s.lockDir),
		arbiter.WithLogger(s.logger),
		arbiter.WithOnChange(s.priorityChanged),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create arbitrator: %w", err)
	}
	s.arb = arb
	s.arb.TryAcquire()

	return s, nil
}

// Name returns the pipe name.
func (s *Server) Name() string {
	return s.name
}

// Priority returns whether this instance currently owns the name.
func (s *Server) Priority() Priority {
	return s.arb.Priority()
}

// IgnorePriority reports whether the instance accepts without ownership.
func (s *Server) IgnorePriority() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ignorePriority
}

// SetIgnorePriority changes whether the instance accepts without ownership.
// It does not touch the ownership lock.
func (s *Server) SetIgnorePriority(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignorePriority = ignore
}

// ConcurrentRequests returns the target accept pool size.
func (s *Server) ConcurrentRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrentRequests
}

// SetConcurrentRequests sets the accept pool size, clamped to [1, NumCPU].
func (s *Server) SetConcurrentRequests(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concurrentRequests = clampConcurrency(n)
}

// IsListening reports whether the server is in StateListening.
func (s *Server) IsListening() bool {
	return s.State() == StateListening
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of the last fault, or nil.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// ActiveStreams returns the number of stream resources held by the accept pool.
func (s *Server) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeStreams)
}

// PendingOperations returns the size of the pending operation set.
func (s *Server) PendingOperations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Start begins listening. It is a no-op if already listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateListening:
		return nil
	case StateStopping:
		return ErrStopping
	case StateClosed:
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		ctx:         ctx,
		cancel:      cancel,
		completions: make(chan completion),
		done:        make(chan struct{}),
	}
	s.run = r
	s.state = StateListening
	s.fault = nil

	go s.dispatch(r)

	s.logger.Info("Server started", "priority", s.arb.Priority().String(), "concurrency", s.concurrentRequests)
	return nil
}

// Stop signals the dispatch loop to terminate. It does not wait; use Shutdown
// or Done to wait for termination.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateListening {
		return
	}
	s.state = StateStopping
	s.run.cancel()
	s.logger.Info("Server stopping")
}

// Close stops the server and permanently releases the name. It is idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true

	switch s.state {
	case StateListening:
		s.state = StateStopping
		s.run.cancel()
		s.mu.Unlock()
		return nil
	case StateStopping:
		// The terminating run closes the arbitrator.
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info("Server closed")
	return s.arb.Close()
}

// Shutdown stops the server and waits for the dispatch loop to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	done := s.Done()
	s.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the current (or last) run has terminated.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.run.done
}

// dispatch is the loop for one run. It owns the pending operation set.
func (s *Server) dispatch(r *run) {
	defer s.terminate(r)
	defer func() {
		if p := recover(); p != nil {
			r.fault = fmt.Errorf("dispatch loop panic: %v", p)
			s.logger.Error("Dispatch loop failed", "error", r.fault)
		}
	}()

	pending := mapset.NewThreadUnsafeSet[*operation]()
	for {
		s.replenish(r, pending)

		select {
		case <-r.ctx.Done():
			return
		case c := <-r.completions:
			pending.Remove(c.op)
			s.setPending(pending.Cardinality())
			if c.env != nil {
				s.deliver(c.env)
			}
		}
	}
}

// replenish keeps at least one operation pending and, when the instance may
// accept, tops the pool up to ConcurrentRequests.
func (s *Server) replenish(r *run, pending mapset.Set[*operation]) {
	if pending.Cardinality() == 0 {
		pending.Add(s.beginAccept(r))
	}
	if s.mayAccept() {
		target := s.ConcurrentRequests()
		for pending.Cardinality() < target {
			pending.Add(s.beginAccept(r))
		}
	}
	s.setPending(pending.Cardinality())
}

// terminate releases everything the run held and settles the final state.
// Slots still waiting for a client are disposed at once. Reads already in
// progress finish or fail on their own (bounded by the read timeout), and
// their messages are still delivered, in completion order, on this goroutine.
func (s *Server) terminate(r *run) {
	r.cancel()
	r.closeListener()

	s.mu.Lock()
	streams := make([]*stream, 0, len(s.activeStreams))
	for _, st := range s.activeStreams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	disposed := 0
	for _, st := range streams {
		if st.closeIdle() {
			disposed++
		}
	}
	s.drain(r)

	s.setPending(0)
	s.recorder.ActiveStreams(0)

	if s.arb.Priority() == PriorityHigh {
		s.arb.Release()
		s.recorder.OwnershipChanged(false)
	}

	s.mu.Lock()
	closing := s.closing
	switch {
	case closing:
		s.state = StateClosed
	case r.fault != nil:
		s.state = StateFaulted
		s.fault = r.fault
	default:
		s.state = StateIdle
	}
	s.mu.Unlock()

	if closing {
		if err := s.arb.Close(); err != nil {
			s.logger.Warn("Failed to close ownership lock", "error", err)
		}
		s.logger.Info("Server closed")
	} else {
		s.logger.Info("Server stopped", "disposed_streams", disposed)
	}
	close(r.done)
}

// drain receives completions until every operation goroutine has returned,
// delivering the messages that finished after the stop signal.
func (s *Server) drain(r *run) {
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	for {
		select {
		case c := <-r.completions:
			if c.env != nil {
				s.deliver(c.env)
			}
		case <-finished:
			return
		}
	}
}

func (s *Server) mayAccept() bool {
	return s.arb.Priority() == PriorityHigh || s.IgnorePriority()
}

func (s *Server) setPending(n int) {
	s.mu.Lock()
	s.pending = n
	s.mu.Unlock()
	s.recorder.PendingOperations(n)
}

func (s *Server) priorityChanged(p Priority) {
	s.recorder.OwnershipChanged(p == PriorityHigh)
	s.notifyPriority(p)
}

// deliver hands env to subscribers on the configured dispatcher and closes it
// afterwards unless a subscriber kept it.
func (s *Server) deliver(env *envelope.Envelope) {
	s.recorder.MessageReceived(env.Len())
	s.notifyMessage(env)
	if !env.Kept() {
		env.Close()
	}
}

func clampConcurrency(n int) int {
	return max(1, min(n, runtime.NumCPU()))
}
