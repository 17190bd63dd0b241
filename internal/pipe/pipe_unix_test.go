//go:build !windows

package pipe

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) Transport {
	t.Helper()
	dir, err := os.MkdirTemp("", "cp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return Transport{SocketDir: dir}
}

func TestTransport_Path(t *testing.T) {
	tr := Transport{SocketDir: "/run/cp"}
	assert.Equal(t, "/run/cp/orders.sock", tr.Path("orders"))
	assert.Equal(t, "/run/cp/a_b.sock", tr.Path("a/b"))
}

func TestTransport_SendRoundTrip(t *testing.T) {
	tr := newTestTransport(t)

	ln, err := tr.Listen("roundtrip")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Send(ctx, "roundtrip", []byte("hello pipe")))

	select {
	case data := <-received:
		assert.Equal(t, "hello pipe", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive message")
	}
}

func TestTransport_ListenRemovesStaleSocket(t *testing.T) {
	tr := newTestTransport(t)

	ln, err := tr.Listen("stale")
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	_, err = os.Stat(tr.Path("stale"))
	require.NoError(t, err, "socket file should be left behind")

	ln, err = tr.Listen("stale")
	require.NoError(t, err)
	ln.Close()
}

func TestTransport_ListenInUse(t *testing.T) {
	tr := newTestTransport(t)

	ln, err := tr.Listen("busy")
	require.NoError(t, err)
	defer ln.Close()

	// Drain the liveness probe connection.
	go func() {
		if conn, err := ln.Accept(); err == nil {
			conn.Close()
		}
	}()

	_, err = tr.Listen("busy")
	assert.ErrorIs(t, err, ErrEndpointInUse)
}

func TestTransport_ListenPathTooLong(t *testing.T) {
	tr := Transport{SocketDir: "/tmp/" + strings.Repeat("x", 120)}
	_, err := tr.Listen("name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestTransport_DialNoServer(t *testing.T) {
	tr := newTestTransport(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tr.Send(ctx, "nobody", []byte("x"))
	assert.Error(t, err)
}
