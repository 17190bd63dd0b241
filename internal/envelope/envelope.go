// Package envelope holds the fully read contents of one accepted connection.
package envelope

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrClosed is returned by operations on a closed Envelope.
var ErrClosed = errors.New("envelope closed")

// Envelope is an append-only byte buffer with a seekable read position and a
// text view that honours a leading byte order mark (UTF-8 or UTF-16), falling
// back to UTF-8.
//
// An Envelope is not safe for concurrent use. The server hands it to message
// handlers one at a time and closes it afterwards unless a handler calls Keep,
// in which case closing it becomes that handler's job.
type Envelope struct {
	source   string
	received time.Time

	data   []byte
	off    int
	kept   bool
	closed bool
}

// New creates an empty envelope for a message arriving on source.
func New(source string, received time.Time) *Envelope {
	return &Envelope{
		source:   source,
		received: received,
	}
}

// Source returns the name of the endpoint the message arrived on.
func (e *Envelope) Source() string {
	return e.source
}

// Received returns when the connection carrying the message was accepted.
func (e *Envelope) Received() time.Time {
	return e.received
}

// Write appends p.
func (e *Envelope) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	e.data = append(e.data, p...)
	return len(p), nil
}

// Read reads from the current position.
func (e *Envelope) Read(p []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if e.off >= len(e.data) {
		return 0, io.EOF
	}
	n := copy(p, e.data[e.off:])
	e.off += n
	return n, nil
}

// Seek sets the read position.
func (e *Envelope) Seek(offset int64, whence int) (int64, error) {
	if e.closed {
		return 0, ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(e.off) + offset
	case io.SeekEnd:
		abs = int64(len(e.data)) + offset
	default:
		return 0, fmt.Errorf("envelope: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("envelope: negative position")
	}
	if abs > int64(len(e.data)) {
		abs = int64(len(e.data))
	}
	e.off = int(abs)
	return abs, nil
}

// Rewind moves the read position back to the start.
func (e *Envelope) Rewind() {
	e.off = 0
}

// Len returns the total message size in bytes.
func (e *Envelope) Len() int {
	return len(e.data)
}

// Bytes returns the message exactly as received. The slice must not be
// modified and is invalid after Close.
func (e *Envelope) Bytes() []byte {
	return e.data
}

// Reader returns a decoding reader over the remaining content.
func (e *Envelope) Reader() io.Reader {
	return transform.NewReader(e, newDecoder())
}

// Text decodes the whole message regardless of the read position. A leading
// BOM selects UTF-16 or is stripped for UTF-8, and invalid UTF-8 becomes
// U+FFFD. Bytes is the exact view of what the client sent.
func (e *Envelope) Text() (string, error) {
	if e.closed {
		return "", ErrClosed
	}
	out, _, err := transform.Bytes(newDecoder(), e.data)
	if err != nil {
		return "", fmt.Errorf("failed to decode message: %w", err)
	}
	return string(out), nil
}

// Keep transfers ownership to the caller, who must Close the envelope.
func (e *Envelope) Keep() {
	e.kept = true
}

// Kept reports whether a handler took ownership.
func (e *Envelope) Kept() bool {
	return e.kept
}

// Close releases the buffer. It is idempotent.
func (e *Envelope) Close() error {
	e.closed = true
	e.data = nil
	e.off = 0
	return nil
}

func newDecoder() transform.Transformer {
	return unicode.BOMOverride(unicode.UTF8.NewDecoder())
}
