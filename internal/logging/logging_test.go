package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Expected default format %s, got %s", FormatText, cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got '%s'", cfg.Output)
	}
	if cfg.AddSource {
		t.Error("Expected AddSource to be false by default")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{LevelError, slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stderr json logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelError, Format: FormatJSON, Output: "stderr"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger == nil {
			t.Fatal("Logger should not be nil")
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close on stderr logger should be a no-op, got %v", err)
		}
	})

	t.Run("file logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "batchscan.log")

		logger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: logFile})
		if err != nil {
			t.Fatalf("Failed to create file logger: %v", err)
		}
		logger.Info("written to file")
		if err := logger.Close(); err != nil {
			t.Fatalf("Failed to close file logger: %v", err)
		}

		data, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("Log file should have been created: %v", err)
		}
		if !strings.Contains(string(data), "written to file") {
			t.Errorf("Log file should contain the message, got %q", data)
		}
	})

	t.Run("invalid directory for file logger", func(t *testing.T) {
		_, err := New(Config{Level: LevelInfo, Output: "/dev/null/sub/test.log"})
		if err == nil {
			t.Error("Expected error for invalid log file path")
		}
	})
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: LevelWarn, Format: FormatText})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("Messages below warn should be filtered, got %q", output)
	}
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Errorf("Warn and error messages should be logged, got %q", output)
	}
}

func TestScopedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: LevelInfo, Format: FormatJSON})

	scoped := logger.WithComponent("orchestrator").WithBatchID("b-1")
	scoped.ErrorScan("scan failed", "10.0.0.1", errors.New("boom"), "attempt", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected a JSON log line, got %q: %v", buf.String(), err)
	}

	expected := map[string]any{
		"msg":       "scan failed",
		"component": "orchestrator",
		"batch_id":  "b-1",
		"target":    "10.0.0.1",
		"error":     "boom",
		"attempt":   float64(2),
	}
	for key, want := range expected {
		if entry[key] != want {
			t.Errorf("field %s = %v, want %v", key, entry[key], want)
		}
	}
}

func TestWithMethodsReturnNewInstance(t *testing.T) {
	logger := NewDefault()

	if logger.WithTarget("example.com") == logger {
		t.Error("WithTarget should return a new logger instance")
	}
	if logger.WithError(errors.New("x")) == logger {
		t.Error("WithError should return a new logger instance")
	}
	if logger.WithFields("k", "v").Config() != logger.Config() {
		t.Error("Derived loggers should keep the parent configuration")
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Error("discarded")
	logger.InfoDatabase("discarded")
	if logger.Close() != nil {
		t.Error("Nop logger Close should return nil")
	}
}
