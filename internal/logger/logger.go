// Package logger configures the process-wide slog logger: JSON lines to a
// rotating file, an optional text mirror on stderr, and a small in-memory
// record of recent problems.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Problem is a captured WARN or ERROR record.
type Problem struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// String formats the problem as one line.
func (p Problem) String() string {
	return fmt.Sprintf("%s %-5s %s", p.Time.Format("15:04:05"), p.Level.String(), p.Message)
}

// problemRing keeps the last size problems plus running totals.
type problemRing struct {
	mu      sync.RWMutex
	entries []Problem
	size    int
	head    int
	count   int

	warnings int
	errors   int
}

func newProblemRing(size int) *problemRing {
	return &problemRing{
		entries: make([]Problem, size),
		size:    size,
	}
}

func (rb *problemRing) add(p Problem) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = p
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	if p.Level >= slog.LevelError {
		rb.errors++
	} else {
		rb.warnings++
	}
}

func (rb *problemRing) all() []Problem {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]Problem, rb.count)
	for i := 0; i < rb.count; i++ {
		idx := (rb.head - rb.count + i + rb.size) % rb.size
		result[i] = rb.entries[idx]
	}
	return result
}

func (rb *problemRing) counts() (warnings, errors int) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.warnings, rb.errors
}

// captureHandler records problems before passing records on.
type captureHandler struct {
	inner slog.Handler
	ring  *problemRing
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.ring.add(Problem{Time: r.Time, Level: r.Level, Message: r.Message})
	}
	return h.inner.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{inner: h.inner.WithAttrs(attrs), ring: h.ring}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{inner: h.inner.WithGroup(name), ring: h.ring}
}

// teeHandler writes every record to each handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

var (
	// Log is the global structured logger
	Log *slog.Logger
	// LogPath is the path to the current log file
	LogPath string

	logWriter *lumberjack.Logger
	problems  *problemRing
)

// Options controls Init.
type Options struct {
	Level slog.Level
	// Path of the log file; empty means DefaultPath().
	Path string
	// Mirror, when set, also receives human-readable records.
	Mirror io.Writer
}

// DefaultPath returns ~/.config/cheappipe/cheappipe.log.
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, ".config", "cheappipe", "cheappipe.log")
}

// ParseLevel maps debug, info, warn and error (any case) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Init installs the global logger and makes it slog's default.
func Init(opts Options) *slog.Logger {
	path := opts.Path
	if path == "" {
		path = DefaultPath()
	}
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	LogPath = path

	logWriter = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler = slog.NewJSONHandler(logWriter, handlerOpts)
	if opts.Mirror != nil {
		handler = teeHandler{handler, slog.NewTextHandler(opts.Mirror, handlerOpts)}
	}

	problems = newProblemRing(100)
	Log = slog.New(&captureHandler{inner: handler, ring: problems})
	slog.SetDefault(Log)
	return Log
}

// Close closes the log file.
func Close() {
	if logWriter != nil {
		logWriter.Close()
	}
}

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

func Debug(msg string, args ...any) {
	getLogger().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	getLogger().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	getLogger().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With creates a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Counts returns how many warnings and errors were logged since Init.
func Counts() (warnings, errors int) {
	if problems == nil {
		return 0, 0
	}
	return problems.counts()
}

// Problems returns the most recent warnings and errors, oldest first.
func Problems() []Problem {
	if problems == nil {
		return nil
	}
	return problems.all()
}
