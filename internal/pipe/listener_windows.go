//go:build windows

package pipe

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// createListener creates a Windows named pipe listener in message mode so a
// client's CloseWrite reaches the server as end of message.
func createListener(path string) (net.Listener, error) {
	config := &winio.PipeConfig{
		SecurityDescriptor: "", // Default: creator/owner only
		MessageMode:        true,
		InputBufferSize:    BufferSize,
		OutputBufferSize:   BufferSize,
	}

	listener, err := winio.ListenPipe(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create named pipe: %w", err)
	}

	return listener, nil
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
