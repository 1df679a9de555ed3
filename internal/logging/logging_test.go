package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	if err != nil || f != FormatJSON {
		t.Errorf("expected json format, got %v (%v)", f, err)
	}
	f, err = ParseFormat("")
	if err != nil || f != FormatText {
		t.Errorf("expected text format for empty string, got %v (%v)", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := LevelString(test.level); result != test.expected {
				t.Errorf("expected %q, got %q", test.expected, result)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if !strings.Contains(cfg.FilePath, "xccmsync") {
		t.Errorf("default log path should mention xccmsync: %s", cfg.FilePath)
	}
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelDebug, Format: FormatJSON, Writer: &buf, Component: "root"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.WithComponent("wal").Info("entry written", "id", "notion-42-1", "content_len", 5)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "entry written" {
		t.Errorf("unexpected msg: %v", rec["msg"])
	}
	if rec["content_len"] != float64(5) {
		t.Errorf("content_len should not be redacted: %v", rec["content_len"])
	}
	if !strings.Contains(buf.String(), `"component":"wal"`) {
		t.Errorf("expected wal component in %s", buf.String())
	}
}

func TestContentAndSecretsRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelInfo, Format: FormatText, Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("save", "content", "the body", "api_token", "abc")
	out := buf.String()
	if strings.Contains(out, "the body") || strings.Contains(out, "abc") {
		t.Errorf("sensitive values leaked: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"token", true},
		{"auth_token", true},
		{"bearer", true},
		{"postgres_dsn", true},
		{"content", true},
		{"CONTENT", true},
		{"content_len", false},
		{"doc_id", false},
		{"attempt", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if result := shouldRedact(test.key); result != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, result, test.expected)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-456")
	if got := RequestIDFromContext(ctx); got != "req-456" {
		t.Errorf("expected req-456, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := RequestIDFromContext(nil); got != "" { //nolint:staticcheck
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	logger, err := New(&Config{Output: "discard", Component: "bridge"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	id1 := logger.NewRequestID()
	id2 := logger.WithComponent("other").NewRequestID()
	if id1 == id2 {
		t.Error("NewRequestID returned duplicate IDs")
	}
	if !strings.HasPrefix(id1, "bridge-") {
		t.Errorf("NewRequestID should start with component name, got %q", id1)
	}
}

func TestFileRotatorRotates(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "xccmsync.log")
	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	line := bytes.Repeat([]byte("x"), 300*1024)
	for i := 0; i < 12; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	if len(files) < 2 || len(files) > 3 {
		t.Errorf("expected current file plus at most 2 backups, got %v", files)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("current log file missing: %v", err)
	}
}
