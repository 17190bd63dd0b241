package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/willibrandon/cheappipe/internal/envelope"
	"github.com/willibrandon/cheappipe/internal/pipe"
)

type opKind int

const (
	opAccept opKind = iota
	opPoll
	opDelay
)

func (k opKind) String() string {
	switch k {
	case opAccept:
		return "accept"
	case opPoll:
		return "poll"
	default:
		return "delay"
	}
}

// operation is one slot of the accept pool.
type operation struct {
	kind opKind
}

// completion reports a finished operation to the dispatch loop. env is set
// only for a fully read, non-empty message.
type completion struct {
	op  *operation
	env *envelope.Envelope
}

// run holds the state of one Listening period.
type run struct {
	ctx         context.Context
	cancel      context.CancelFunc
	completions chan completion
	done        chan struct{}
	wg          sync.WaitGroup

	lnMu     sync.Mutex
	listener net.Listener

	// fault is written by the loop goroutine before terminate runs.
	fault error
}

func (r *run) closeListener() {
	r.lnMu.Lock()
	defer r.lnMu.Unlock()

	if r.listener != nil {
		r.listener.Close()
		r.listener = nil
	}
}

// discardListener drops ln if it is still the run's listener.
func (r *run) discardListener(ln net.Listener) {
	r.lnMu.Lock()
	defer r.lnMu.Unlock()

	if r.listener == ln {
		r.listener.Close()
		r.listener = nil
	}
}

// stream is the connection slot of an accept operation. It is registered
// before the connection exists so termination can dispose of slots that are
// still waiting for a client.
type stream struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// attach binds conn to the stream. It reports false, and closes conn, if the
// stream was already disposed.
func (st *stream) attach(conn net.Conn) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		conn.Close()
		return false
	}
	st.conn = conn
	return true
}

// closeIdle disposes the stream only if no connection is attached yet.
func (st *stream) closeIdle() bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed || st.conn != nil {
		return false
	}
	st.closed = true
	return true
}

// attached reports whether a connection is bound to the stream.
func (st *stream) attached() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conn != nil && !st.closed
}

// Close disposes the stream. Safe to call more than once.
func (st *stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil
	}
	st.closed = true
	if st.conn != nil {
		return st.conn.Close()
	}
	return nil
}

// beginAccept posts one pool operation. A non-owning instance gets a polling
// operation instead of a real accept, and a failure to open the endpoint turns
// into a short delay so the slot is retried on a later iteration.
func (s *Server) beginAccept(r *run) *operation {
	if !s.mayAccept() {
		return s.beginPoll(r)
	}

	ln, err := s.listen(r)
	if err != nil {
		if errors.Is(err, pipe.ErrEndpointInUse) {
			s.logger.Debug("Endpoint held by another instance", "error", err)
		} else {
			s.logger.Warn("Failed to open endpoint", "error", err)
		}
		s.recorder.AcceptFailed()
		return s.beginDelay(r)
	}

	op := &operation{kind: opAccept}
	st := &stream{}
	s.track(op, st)

	s.spawn(r, op, func() *envelope.Envelope {
		defer s.untrack(op)
		return s.accept(r, ln, st)
	})
	return op
}

// beginPoll posts an operation that tries to take ownership for at most one
// poll interval. Its completion means "retry now" whatever the outcome.
func (s *Server) beginPoll(r *run) *operation {
	op := &operation{kind: opPoll}
	s.spawn(r, op, func() *envelope.Envelope {
		ctx, cancel := context.WithTimeout(r.ctx, s.pollInterval)
		defer cancel()

		if !s.arb.Poll(ctx) {
			<-ctx.Done()
		}
		return nil
	})
	return op
}

// beginDelay posts an operation that completes after the retry delay.
func (s *Server) beginDelay(r *run) *operation {
	op := &operation{kind: opDelay}
	s.spawn(r, op, func() *envelope.Envelope {
		s.wait(r, s.retryDelay)
		return nil
	})
	return op
}

// spawn runs fn in its own goroutine and reports its result to the loop.
// A message is always handed over: after the run ends terminate keeps
// receiving until every operation goroutine has returned.
func (s *Server) spawn(r *run, op *operation, fn func() *envelope.Envelope) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		c := completion{op: op, env: fn()}
		if c.env != nil {
			r.completions <- c
			return
		}
		select {
		case r.completions <- c:
		case <-r.ctx.Done():
		}
	}()
}

// wait sleeps for d on the server clock or until the run ends.
func (s *Server) wait(r *run, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-r.ctx.Done():
	}
}

// listen returns the run's shared listener, opening it on first use.
func (s *Server) listen(r *run) (net.Listener, error) {
	r.lnMu.Lock()
	defer r.lnMu.Unlock()

	if r.ctx.Err() != nil {
		return nil, r.ctx.Err()
	}
	if r.listener != nil {
		return r.listener, nil
	}

	ln, err := s.transport.Listen(s.name)
	if err != nil {
		return nil, err
	}
	r.listener = ln
	s.logger.Debug("Endpoint opened", "address", ln.Addr().String())
	return ln, nil
}

// accept waits for one connection on ln and reads it. It returns nil when
// nothing should be delivered.
func (s *Server) accept(r *run, ln net.Listener, st *stream) *envelope.Envelope {
	conn, err := ln.Accept()
	if err != nil {
		if r.ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			r.discardListener(ln)
		}
		s.logger.Warn("Accept failed", "error", err)
		s.recorder.AcceptFailed()
		s.wait(r, s.retryDelay)
		return nil
	}
	if !st.attach(conn) {
		return nil
	}

	return s.receive(conn)
}

// receive drains conn into a new envelope. A read in progress is never cut
// short by Stop; only the read deadline bounds it.
func (s *Server) receive(conn net.Conn) *envelope.Envelope {
	env := envelope.New(s.name, s.clock.Now())

	if s.readTimeout > 0 {
		if err := conn.SetReadDeadline(s.clock.Now().Add(s.readTimeout)); err != nil {
			s.logger.Debug("Failed to set read deadline", "error", err)
		}
	}

	if err := s.readMessage(conn, env); err != nil {
		env.Close()
		s.logger.Warn("Failed to read message", "error", err)
		s.recorder.ReadFailed()
		return nil
	}

	if env.Len() == 0 {
		env.Close()
		s.logger.Debug("Discarded empty connection")
		return nil
	}

	env.Rewind()
	return env
}

// readMessage copies conn into env in fixed-size reads until end of stream.
func (s *Server) readMessage(conn net.Conn, env *envelope.Envelope) error {
	buf := make([]byte, s.readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := env.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) track(op *operation, st *stream) {
	s.mu.Lock()
	s.activeStreams[op] = st
	n := len(s.activeStreams)
	s.mu.Unlock()
	s.recorder.ActiveStreams(n)
}

// untrack closes the operation's stream and forgets it.
func (s *Server) untrack(op *operation) {
	s.mu.Lock()
	st, ok := s.activeStreams[op]
	delete(s.activeStreams, op)
	n := len(s.activeStreams)
	s.mu.Unlock()

	if ok {
		st.Close()
		s.recorder.ActiveStreams(n)
	}
}
