package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"invalid level", "invalid", slog.LevelInfo},
		{"empty string", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewLoggerMasksCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := NewLogger(Config{Level: slog.LevelDebug, Console: &buf})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer closer.Close()

	logger.Info("login attempt",
		"username", "alice",
		"password", "hunter2",
		"auth_token", "abc",
		"header", "Bearer abc.def",
		slog.Group("state", slog.String("cookies", "sid=1")),
	)

	out := buf.String()
	for _, leaked := range []string{"hunter2", "\"abc\"", "Bearer abc.def", "sid=1"} {
		if strings.Contains(out, leaked) {
			t.Errorf("Log output leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "alice") {
		t.Errorf("Expected non-sensitive attribute to survive: %s", out)
	}
	if !strings.Contains(out, MaskValue) {
		t.Errorf("Expected mask value in output: %s", out)
	}
}

func TestSecureHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewSecureHandler(slog.NewTextHandler(&buf, nil))).With("password", "pw1")
	logger.Info("hello")

	if strings.Contains(buf.String(), "pw1") {
		t.Errorf("WithAttrs leaked secret: %s", buf.String())
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "discovery.log")

	logger, closer, err := NewLogger(Config{Level: slog.LevelInfo, FilePath: logFile, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("test message")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Log file was not created: %v", err)
	}
	if !strings.Contains(string(data), "test message") {
		t.Errorf("Log file missing message: %s", data)
	}
}
