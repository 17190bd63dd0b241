package server

import "errors"

// State is the server lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateStopping  State = "stopping"
	// StateFaulted means the dispatch loop ended on an internal failure rather
	// than a Stop. Err reports the cause; Start may be called again.
	StateFaulted State = "faulted"
	StateClosed  State = "closed"
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("server closed")
	// ErrStopping is returned by Start while the previous run is still shutting down.
	ErrStopping = errors.New("server is stopping")
)
