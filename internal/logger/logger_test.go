package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInit_WritesJSONAndMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "test.log")
	var mirror bytes.Buffer

	log := Init(Options{Level: slog.LevelInfo, Path: path, Mirror: &mirror})
	defer Close()

	log.Debug("hidden")
	log.With("pipe", "orders").Info("Server started")
	Warn("Accept failed", "error", "boom")

	if LogPath != path {
		t.Errorf("expected LogPath %s, got %s", path, LogPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), data)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if record["msg"] != "Server started" || record["pipe"] != "orders" {
		t.Errorf("unexpected record %v", record)
	}

	if !strings.Contains(mirror.String(), "Accept failed") {
		t.Errorf("expected mirror to contain the warning, got %q", mirror.String())
	}
	if strings.Contains(mirror.String(), "hidden") {
		t.Error("debug record must be filtered at info level")
	}
}

func TestProblems_Captured(t *testing.T) {
	Init(Options{Level: slog.LevelDebug, Path: filepath.Join(t.TempDir(), "test.log")})
	defer Close()

	Info("fine")
	Warn("slow client")
	Error("dispatch loop failed")
	Warn("retrying")

	warnings, errs := Counts()
	if warnings != 2 || errs != 1 {
		t.Errorf("expected 2 warnings and 1 error, got %d and %d", warnings, errs)
	}

	got := Problems()
	if len(got) != 3 {
		t.Fatalf("expected 3 problems, got %d", len(got))
	}
	if got[0].Message != "slow client" || got[2].Message != "retrying" {
		t.Errorf("expected problems oldest first, got %v", got)
	}
	if !strings.Contains(got[1].String(), "ERROR") {
		t.Errorf("expected formatted level, got %q", got[1].String())
	}
}

func TestProblemRing_Wraps(t *testing.T) {
	rb := newProblemRing(2)
	for _, msg := range []string{"a", "b", "c"} {
		rb.add(Problem{Level: slog.LevelWarn, Message: msg})
	}

	all := rb.all()
	if len(all) != 2 || all[0].Message != "b" || all[1].Message != "c" {
		t.Errorf("expected [b c], got %v", all)
	}
	if w, _ := rb.counts(); w != 3 {
		t.Errorf("expected running total 3, got %d", w)
	}
}
