package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/cheappipe/internal/config"
	"github.com/willibrandon/cheappipe/internal/daemon"
	"github.com/willibrandon/cheappipe/internal/envelope"
	"github.com/willibrandon/cheappipe/internal/journal"
	"github.com/willibrandon/cheappipe/internal/logger"
	"github.com/willibrandon/cheappipe/internal/metrics"
	"github.com/willibrandon/cheappipe/internal/server"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	summaryProblems = 5
)

var (
	timeFormat  = color.New(color.FgHiBlack).SprintFunc()
	pipeFormat  = color.New(color.FgCyan).SprintFunc()
	sizeFormat  = color.New(color.FgHiBlack).SprintFunc()
	ownerFormat = color.New(color.FgGreen, color.Bold).SprintFunc()
	errorFormat = color.New(color.FgHiRed).SprintFunc()
)

func newListenCmd() *cobra.Command {
	var (
		withJournal    bool
		withMetrics    bool
		asService      bool
		ignorePriority bool
		concurrency    int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive messages on the pipe",
		Long: `Listen on the pipe and print every message received.

If another process already owns the pipe name, this process waits and takes
over as soon as the owner exits. Use --ignore-priority to accept connections
without owning the name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cmd.Flags().Changed("journal") {
				cfg.Journal.Enabled = withJournal
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics.Enabled = withMetrics
			}
			if cmd.Flags().Changed("ignore-priority") {
				cfg.Pipe.IgnorePriority = ignorePriority
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Pipe.ConcurrentRequests = concurrency
			}

			initLogger(cfg)
			defer logger.Close()

			if asService {
				return daemon.RunService(daemon.ServiceConfig{
					Pipe:       cfg.Pipe.Name,
					ConfigPath: configPath,
					Debug:      debug,
					Run: func(ctx context.Context) error {
						return runListener(ctx, cfg, io.Discard)
					},
				})
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runListener(ctx, cfg, color.Output); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(daemon.ExitStartFailed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withJournal, "journal", false, "record messages in the SQLite journal")
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "serve Prometheus metrics")
	cmd.Flags().BoolVar(&ignorePriority, "ignore-priority", false, "accept connections without owning the pipe name")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "pending accept operations (default one per CPU)")
	cmd.Flags().BoolVar(&asService, "service", false, "run under the service manager")
	_ = cmd.Flags().MarkHidden("service")
	return cmd
}

// runListener serves the pipe until ctx is cancelled or the server faults.
// Message handlers run on this goroutine.
func runListener(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := logger.With("component", "listen", "pipe", cfg.Pipe.Name)

	stats := metrics.NewStats()
	recorders := []metrics.Recorder{stats}

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorders = append(recorders, metrics.NewPrometheus(registry, cfg.Pipe.Name))
	}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		var err error
		jr, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer jr.Close()
	}

	loop := server.NewLoopDispatcher()
	opts := append(serverOptions(cfg),
		server.WithDispatcher(loop),
		server.WithRecorder(metrics.Multi(recorders...)),
	)
	srv, err := server.New(cfg.Pipe.Name, opts...)
	if err != nil {
		return err
	}
	defer srv.Close()

	pidPath := daemon.OwnerPIDFile(lockDir(cfg), srv.Name())
	becameOwner := func() {
		if err := daemon.WritePIDFile(pidPath); err != nil {
			log.Warn("Failed to write owner PID file", "path", pidPath, "error", err)
		}
		fmt.Fprintf(out, "%s %s\n", timeFormat(time.Now().Format("15:04:05")), ownerFormat("now owner of "+srv.Name()))
	}
	defer daemon.RemoveOwnPIDFile(pidPath)

	srv.OnPriorityChanged(func(p server.Priority) {
		if p == server.PriorityHigh {
			becameOwner()
		}
	})
	srv.OnMessage(func(env *envelope.Envelope) {
		printMessage(out, env)
		if jr != nil {
			jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := jr.Append(jctx, env.Source(), env.Received(), env.Bytes()); err != nil {
				log.Warn("Failed to journal message", "error", err)
			}
		}
	})

	if srv.Priority() == server.PriorityHigh {
		becameOwner()
	} else if !srv.IgnorePriority() {
		fmt.Fprintf(out, "%s waiting for %s to be released\n", timeFormat(time.Now().Format("15:04:05")), pipeFormat(srv.Name()))
	}

	if err := srv.Start(); err != nil {
		return err
	}
	log.Info("Listening", "ignore_priority", srv.IgnorePriority(), "concurrency", srv.ConcurrentRequests())

	g, gctx := errgroup.WithContext(ctx)

	done := srv.Done()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			srv.Stop()
			return nil
		case <-done:
			if srv.State() == server.StateFaulted {
				return fmt.Errorf("listener stopped: %w", srv.Err())
			}
			return nil
		}
	})

	if registry != nil {
		httpServer := &http.Server{
			Addr:              cfg.Metrics.Addr(),
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("Serving metrics", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if jr != nil && cfg.Journal.Retention > 0 {
		g.Go(func() error {
			pruneJournal(gctx, jr, cfg.Journal.Retention, log)
			return nil
		})
	}

	// Handlers are pumped here until the server has delivered its last
	// message, or the shutdown timeout expires.
	loop.Run(pumpUntil(gctx, done))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Listener did not stop in time", "error", err)
	}

	err = g.Wait()
	printSummary(out, stats.Snapshot())
	return err
}

// pumpUntil returns a context that ends when done is closed, or
// shutdownTimeout after stop ends.
func pumpUntil(stop context.Context, done <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-done:
			return
		case <-stop.Done():
		}
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
		}
	}()
	return ctx
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	return mux
}

func printMessage(out io.Writer, env *envelope.Envelope) {
	text, err := env.Text()
	if err != nil {
		text = errorFormat(err.Error())
	}
	fmt.Fprintf(out, "%s %s %s %s\n",
		timeFormat(env.Received().Format("15:04:05")),
		pipeFormat(env.Source()),
		sizeFormat("("+humanize.Bytes(uint64(env.Len()))+")"),
		text,
	)
}

func printSummary(out io.Writer, snap metrics.StatsSnapshot) {
	warnings, errs := logger.Counts()
	fmt.Fprintf(out, "\n%s messages (%s), %d accept failures, %d read failures, %d warnings, %d errors\n",
		humanize.Comma(snap.Messages), humanize.Bytes(uint64(snap.Bytes)),
		snap.AcceptFailures, snap.ReadFailures, warnings, errs)

	problems := logger.Problems()
	if len(problems) > summaryProblems {
		problems = problems[len(problems)-summaryProblems:]
	}
	for _, p := range problems {
		fmt.Fprintf(out, "  %s\n", errorFormat(p.String()))
	}
}

func pruneJournal(ctx context.Context, jr *journal.Journal, retention time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		removed, err := jr.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			log.Warn("Failed to prune journal", "error", err)
		} else if removed > 0 {
			log.Info("Pruned journal", "removed", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
