package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerRendersComponentPrefix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(ModeCLI, &buf, slog.LevelDebug).With("component", "sandbox")

	logger.Info("session acquired", "session_id", "anon-1", "error", errors.New("boom happened"))

	line := buf.String()
	if !strings.Contains(line, "[sandbox] | session acquired") {
		t.Fatalf("log line %q missing component prefix", line)
	}
	if !strings.Contains(line, "session_id=anon-1") {
		t.Fatalf("log line %q missing session attribute", line)
	}
	if !strings.Contains(line, `error="boom happened"`) {
		t.Fatalf("log line %q did not quote error value", line)
	}
	if strings.Contains(line, "component=") {
		t.Fatalf("component rendered as attribute: %q", line)
	}
}

func TestCLIHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(ModeCLI, &buf, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info record emitted at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "WARN") {
		t.Fatalf("warn record missing: %q", buf.String())
	}
}

func TestCLIHandlerGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(ModeCLI, &buf, nil).WithGroup("vm").With("port", 2222)
	logger.Info("booting", "pid", 42)

	line := buf.String()
	if !strings.Contains(line, "vm.port=2222") || !strings.Contains(line, "vm.pid=42") {
		t.Fatalf("grouped attributes not prefixed: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	level, err := ParseLevel("warning")
	if err != nil || level != slog.LevelWarn {
		t.Fatalf("ParseLevel(warning) = %v, %v", level, err)
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatal("ParseLevel(chatty) error = nil, want non-nil")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseMode("JSON")
	if err != nil || mode != ModeJSON {
		t.Fatalf("ParseMode(JSON) = %v, %v", mode, err)
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatal("ParseMode(xml) error = nil, want non-nil")
	}
}
