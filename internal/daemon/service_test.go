package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceArguments(t *testing.T) {
	args := ServiceArguments(ServiceConfig{Pipe: "orders"})
	assert.Equal(t, []string{"listen", "--service", "--name", "orders"}, args)

	args = ServiceArguments(ServiceConfig{Pipe: "orders", ConfigPath: "/etc/cheappipe.yaml", Debug: true})
	assert.Equal(t, []string{"listen", "--service", "--name", "orders", "--config", "/etc/cheappipe.yaml", "--debug"}, args)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "cheappipe-orders", ServiceName("orders"))
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan struct{})
	prg := &program{run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}}

	require.NoError(t, prg.Start(nil))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not start")
	}
	assert.NoError(t, prg.Stop(nil))
}

func TestProgram_RequiresRunner(t *testing.T) {
	prg := &program{}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}

func TestPermissionError_Unwrap(t *testing.T) {
	inner := errors.New("EACCES")
	err := error(&PermissionError{Err: inner})

	assert.ErrorIs(t, err, inner)
	var perm *PermissionError
	assert.True(t, errors.As(err, &perm))
}
