package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"critical", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewJSONCarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "json", Level: "debug"}, &buf)

	log := WindowLogger(RunLogger(Component(base, "ingest"), "run-1", "BTC_JPY"), 1, 500)
	log.Info("stored")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["component"] != "ingest" || rec["run_id"] != "run-1" || rec["symbol"] != "BTC_JPY" {
		t.Errorf("missing context fields: %v", rec)
	}
	if rec["window_from"] != float64(1) || rec["window_to"] != float64(500) {
		t.Errorf("window fields = %v, %v", rec["window_from"], rec["window_to"])
	}
}

func TestSetupInstallsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := Setup(Config{Format: "text", Level: "info"}, &buf)
	slog.Info("through default")

	if slog.Default() != log {
		t.Error("Setup did not install the default logger")
	}
	if !strings.Contains(buf.String(), "through default") {
		t.Errorf("default logger output = %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn"}, &buf)
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestCritical(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Format: "json"}, &buf)
	Critical(log, "fetch exhausted", "window", "[1-500]")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["level"] != "ERROR" || rec["critical"] != true {
		t.Errorf("record = %v", rec)
	}
}

func TestRunIDContext(t *testing.T) {
	if RunID(context.Background()) != "" {
		t.Error("empty context should have no run ID")
	}
	id := NewRunID()
	if len(id) != 36 {
		t.Errorf("run ID %q is not a UUID", id)
	}
	if got := RunID(WithRunID(context.Background(), id)); got != id {
		t.Errorf("RunID = %q, want %q", got, id)
	}
	if NewRunID() == id {
		t.Error("run IDs should be unique")
	}
}
