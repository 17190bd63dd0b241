package server

import (
	"context"
	"fmt"

	"github.com/willibrandon/cheappipe/internal/envelope"
)

// Dispatcher runs notification handlers in a caller-chosen execution context.
// Dispatch must not return until fn has returned.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func())

// Dispatch calls f(fn).
func (f DispatcherFunc) Dispatch(fn func()) {
	f(fn)
}

// LoopDispatcher runs handlers on whichever goroutine calls Run, the way a UI
// message loop owns its thread.
type LoopDispatcher struct {
	calls chan loopCall
	stop  chan struct{}
}

type loopCall struct {
	fn   func()
	done chan struct{}
}

// NewLoopDispatcher creates a LoopDispatcher. Nothing is executed until Run is called.
func NewLoopDispatcher() *LoopDispatcher {
	return &LoopDispatcher{
		calls: make(chan loopCall),
		stop:  make(chan struct{}),
	}
}

// Run executes dispatched handlers on the calling goroutine until ctx is done.
// Callers blocked in Dispatch are released without running their handler once
// Run has returned.
func (d *LoopDispatcher) Run(ctx context.Context) {
	defer close(d.stop)

	for {
		select {
		case <-ctx.Done():
			return
		case call := <-d.calls:
			call.fn()
			close(call.done)
		}
	}
}

// Dispatch hands fn to the Run goroutine and waits for it to finish.
func (d *LoopDispatcher) Dispatch(fn func()) {
	call := loopCall{fn: fn, done: make(chan struct{})}

	select {
	case d.calls <- call:
	case <-d.stop:
		return
	}
	<-call.done
}

type messageSub struct {
	id uint64
	fn func(*envelope.Envelope)
}

type prioritySub struct {
	id uint64
	fn func(Priority)
}

// SetDispatcher replaces the execution context for notifications. nil runs
// handlers on the goroutine that raises them.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// OnMessage subscribes fn to received messages. The envelope is closed once
// every handler has returned unless a handler calls Keep on it.
func (s *Server) OnMessage(fn func(*envelope.Envelope)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.messageHandlers = append(s.messageHandlers, messageSub{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.messageHandlers {
			if sub.id == id {
				s.messageHandlers = append(s.messageHandlers[:i:i], s.messageHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnPriorityChanged subscribes fn to ownership acquisition.
func (s *Server) OnPriorityChanged(fn func(Priority)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.priorityHandlers = append(s.priorityHandlers, prioritySub{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.priorityHandlers {
			if sub.id == id {
				s.priorityHandlers = append(s.priorityHandlers[:i:i], s.priorityHandlers[i+1:]...)
				return
			}
		}
	}
}

func (s *Server) notifyMessage(env *envelope.Envelope) {
	s.mu.Lock()
	subs := s.messageHandlers
	d := s.dispatcher
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	s.raise(d, func() {
		for _, sub := range subs {
			env.Rewind()
			s.safely("message", func() { sub.fn(env) })
		}
	})
}

func (s *Server) notifyPriority(p Priority) {
	s.mu.Lock()
	subs := s.priorityHandlers
	d := s.dispatcher
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	s.raise(d, func() {
		for _, sub := range subs {
			s.safely("priority", func() { sub.fn(p) })
		}
	})
}

// raise runs fn through d, or directly when no dispatcher is set.
func (s *Server) raise(d Dispatcher, fn func()) {
	if d == nil {
		fn()
		return
	}
	d.Dispatch(fn)
}

// safely runs a subscriber, logging instead of propagating a panic.
func (s *Server) safely(event string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Subscriber panicked", "event", event, "error", fmt.Sprintf("%v", p))
		}
	}()
	fn()
}
