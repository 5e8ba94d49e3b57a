package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "DEBUG", Format: "json", Output: &buf})

	logger.Info(context.Background(), "configured provider", "detail", "api_key=sk-abcdefghijklmnopqrstuvwxyz0123456789abcdef")

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnop") {
		t.Fatalf("expected API key to be redacted, got: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output, got: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "DEBUG", Format: "json", Output: &buf})

	ctx := AddUsername(context.Background(), "alice")
	ctx = AddModule(ctx, "calendar")
	ctx = AddClient(ctx, "pwa")
	logger.Info(ctx, "tool dispatched")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["username"] != "alice" {
		t.Errorf("username = %v, want alice", record["username"])
	}
	if record["module"] != "calendar" {
		t.Errorf("module = %v, want calendar", record["module"])
	}
	if record["client"] != "pwa" {
		t.Errorf("client = %v, want pwa", record["client"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "WARNING", Format: "json", Output: &buf})

	logger.Debug(context.Background(), "should not appear")
	logger.Info(context.Background(), "should not appear either")
	logger.Warn(context.Background(), "visible warning")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("level filtering failed: %s", out)
	}
	if !strings.Contains(out, "visible warning") {
		t.Errorf("warning should be logged: %s", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"CRITICAL", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
