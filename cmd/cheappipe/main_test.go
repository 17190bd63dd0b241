package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/cheappipe/internal/config"
	"github.com/willibrandon/cheappipe/internal/daemon"
	"github.com/willibrandon/cheappipe/internal/journal"
	"github.com/willibrandon/cheappipe/internal/logger"
	"github.com/willibrandon/cheappipe/internal/metrics"
)

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello", preview([]byte("hello\nworld")))
	assert.Equal(t, "<binary>", preview([]byte{0xff, 0xfe, 0x00}))

	long := strings.Repeat("é", 100)
	got := preview([]byte(long))
	assert.Equal(t, previewLength, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestMessagePayload_Args(t *testing.T) {
	payload, err := messagePayload([]string{"hello", "world"})
	assert.NoError(t, err)
	assert.Equal(t, "hello world", string(payload))
}

func TestPrintSummary_ListsRecentProblems(t *testing.T) {
	logger.Init(logger.Options{Level: slog.LevelInfo, Path: filepath.Join(t.TempDir(), "test.log")})
	defer logger.Close()

	for i := 0; i < summaryProblems+2; i++ {
		logger.Warn(fmt.Sprintf("accept failed %d", i))
	}

	var out bytes.Buffer
	printSummary(&out, metrics.StatsSnapshot{Messages: 3, Bytes: 2048, AcceptFailures: 7})

	text := out.String()
	assert.Contains(t, text, "3 messages")
	assert.Contains(t, text, "7 accept failures")
	assert.Contains(t, text, fmt.Sprintf("%d warnings", summaryProblems+2))
	assert.NotContains(t, text, "accept failed 1\n", "only the most recent problems are listed")
	assert.Contains(t, text, fmt.Sprintf("accept failed %d", summaryProblems+1))
}

// writeTestConfig writes a config that keeps every file of the listener in dir.
func writeTestConfig(t *testing.T, dir, name string) *config.Config {
	t.Helper()

	slash := filepath.ToSlash
	content := fmt.Sprintf(`pipe:
  name: %s
  concurrent_requests: 1
  poll_interval: 50ms
  lock_dir: '%s'
  socket_dir: '%s'
log:
  path: '%s'
journal:
  enabled: true
  path: '%s'
`, name, slash(dir), slash(dir), slash(filepath.Join(dir, "cheappipe.log")), slash(filepath.Join(dir, "journal.db")))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)
	return cfg
}

func TestRunListener_JournalAndOwnerPIDFile(t *testing.T) {
	// Short directory: Unix socket paths are length limited.
	dir, err := os.MkdirTemp("", "cp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	name := "cli" + uuid.NewString()[:8]
	cfg := writeTestConfig(t, dir, name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() {
		errc <- runListener(ctx, cfg, &out)
	}()

	pidPath := daemon.OwnerPIDFile(lockDir(cfg), name)
	require.Eventually(t, func() bool {
		pid, err := daemon.ReadPIDFile(pidPath)
		return err == nil && pid == os.Getpid()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
		defer sendCancel()
		return transport(cfg).Send(sendCtx, name, []byte("journaled")) == nil
	}, 5*time.Second, 10*time.Millisecond)

	jr, err := journal.Open(cfg.Journal.Path)
	require.NoError(t, err)
	defer jr.Close()

	require.Eventually(t, func() bool {
		n, err := jr.Count(context.Background(), name)
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := jr.Recent(context.Background(), name, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "journaled", string(entries[0].Payload))
	assert.Equal(t, name, entries[0].Pipe)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("listener did not stop")
	}

	_, err = daemon.ReadPIDFile(pidPath)
	assert.ErrorIs(t, err, daemon.ErrNoPIDFile, "owner PID file must be removed on exit")
	assert.Contains(t, out.String(), "now owner of "+name)
	assert.Contains(t, out.String(), "journaled")
	assert.Contains(t, out.String(), "1 messages")
}
