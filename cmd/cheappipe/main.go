package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/willibrandon/cheappipe/internal/arbiter"
	"github.com/willibrandon/cheappipe/internal/config"
	"github.com/willibrandon/cheappipe/internal/daemon"
	"github.com/willibrandon/cheappipe/internal/logger"
	"github.com/willibrandon/cheappipe/internal/pipe"
	"github.com/willibrandon/cheappipe/internal/server"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
	pipeName   string
	jsonOutput bool
	userMode   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cheappipe",
		Short: "Single-listener named pipe messaging",
		Long: `cheappipe delivers messages over a named pipe shared by several processes.
Only one process owns the name and accepts connections; the others wait and take
over when the owner exits.

Messaging:
  cheappipe listen [--journal] [--metrics]   Receive and print messages
  cheappipe send [text...]                   Send a message (stdin if no text)
  cheappipe status [--json]                  Show who owns the pipe
  cheappipe history [--limit N]              List journaled messages

Service Management:
  cheappipe service install [--user]         Install the listener as a service
  cheappipe service uninstall|start|stop|status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/cheappipe/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&pipeName, "name", "", "pipe name (overrides pipe.name)")

	rootCmd.AddCommand(
		newListenCmd(),
		newSendCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newServiceCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies the global flag overrides.
// Configuration errors end the process with ExitConfigError.
func loadConfig() *config.Config {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(daemon.ExitConfigError)
	}

	if pipeName != "" {
		cfg.Pipe.Name = pipeName
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	return cfg
}

// initLogger starts file logging; debug runs also mirror to stderr.
func initLogger(cfg *config.Config) {
	level, levelErr := logger.ParseLevel(cfg.Log.Level)
	if levelErr != nil {
		level = slog.LevelInfo
	}

	var mirror io.Writer
	if debug {
		mirror = os.Stderr
	}
	logger.Init(logger.Options{Level: level, Path: cfg.Log.Path, Mirror: mirror})
	if debug {
		fmt.Fprintf(os.Stderr, "Debug mode: Logs written to %s\n", logger.LogPath)
	}
	if levelErr != nil {
		logger.Warn("Unknown log level, using info", "level", cfg.Log.Level)
	}
	logger.Info("cheappipe starting", "version", version, "pid", os.Getpid())
}

func lockDir(cfg *config.Config) string {
	if cfg.Pipe.LockDir != "" {
		return cfg.Pipe.LockDir
	}
	return arbiter.DefaultLockDir()
}

func transport(cfg *config.Config) pipe.Transport {
	return pipe.Transport{SocketDir: cfg.Pipe.SocketDir}
}

// serverOptions maps the pipe configuration onto server options.
func serverOptions(cfg *config.Config) []server.Option {
	opts := []server.Option{
		server.WithLogger(logger.With("pid", os.Getpid())),
		server.WithTransport(transport(cfg)),
		server.WithLockDir(lockDir(cfg)),
		server.WithIgnorePriority(cfg.Pipe.IgnorePriority),
		server.WithPollInterval(cfg.Pipe.PollInterval),
		server.WithRetryDelay(cfg.Pipe.RetryDelay),
		server.WithReadBufferSize(cfg.Pipe.ReadBufferSize),
		server.WithReadTimeout(cfg.Pipe.ReadTimeout),
	}
	if cfg.Pipe.ConcurrentRequests > 0 {
		opts = append(opts, server.WithConcurrentRequests(cfg.Pipe.ConcurrentRequests))
	}
	return opts
}
