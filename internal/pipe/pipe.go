// Package pipe provides the local named byte-stream endpoint shared by server
// instances: a named pipe on Windows and a Unix domain socket elsewhere.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// BufferSize is the pipe buffer size requested on Windows and the client's write size.
const BufferSize = 65536

// maxSocketPath is the portable limit for sun_path (macOS allows 104 bytes).
const maxSocketPath = 103

// ErrEndpointInUse is returned by Listen when another process is serving the endpoint.
var ErrEndpointInUse = errors.New("endpoint already in use by another process")

// DefaultSocketDir returns the directory holding Unix sockets.
func DefaultSocketDir() string {
	return filepath.Join(os.TempDir(), "cheappipe")
}

// Transport opens and dials named endpoints. The zero value uses platform defaults.
type Transport struct {
	// SocketDir overrides the Unix socket directory. Ignored on Windows.
	SocketDir string
}

// Path returns the platform endpoint path for name.
func (t Transport) Path(name string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\` + sanitize(name)
	}
	dir := t.SocketDir
	if dir == "" {
		dir = DefaultSocketDir()
	}
	return filepath.Join(dir, sanitize(name)+".sock")
}

// Listen creates a listener for name.
// On Unix, this creates a Unix domain socket, removing a stale socket file first.
// On Windows, this creates a named pipe.
func (t Transport) Listen(name string) (net.Listener, error) {
	path := t.Path(name)
	if runtime.GOOS != "windows" && len(path) > maxSocketPath {
		return nil, fmt.Errorf("socket path too long (%d bytes): %s", len(path), path)
	}

	if err := cleanupStaleEndpoint(path); err != nil {
		return nil, err
	}

	return createListener(path)
}

// Dial connects to the endpoint for name.
func (t Transport) Dial(ctx context.Context, name string) (net.Conn, error) {
	return dial(ctx, t.Path(name))
}

// Send connects to name, writes payload, and waits until the server has drained
// and closed the connection. The context deadline bounds the whole exchange.
func (t Transport) Send(ctx context.Context, name string, payload []byte) error {
	conn, err := t.Dial(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", name, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	// Half-close where the transport supports it so the server sees end-of-message.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("failed to close write side: %w", err)
		}
	}

	// The server closes its end once the message is read.
	if _, err := io.Copy(io.Discard, conn); err != nil {
		return fmt.Errorf("failed waiting for drain: %w", err)
	}
	return nil
}

// cleanupStaleEndpoint removes a stale socket file or reports that the endpoint is live.
func cleanupStaleEndpoint(path string) error {
	if runtime.GOOS == "windows" {
		// Windows named pipes are managed by the OS
		return nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	// Try to connect to see if it's active
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrEndpointInUse, path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, name)
}
