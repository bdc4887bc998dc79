package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jvs-project/pipeguard/pkg/errclass"
)

func decode(t *testing.T, line string) LogEntry {
	t.Helper()
	var e LogEntry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("invalid log line %q: %v", line, err)
	}
	return e
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(LevelInfo)
	if logger.sink.level != LevelInfo {
		t.Errorf("expected level %s, got %s", LevelInfo, logger.sink.level)
	}
}

func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelDebug)
	logger.SetOutput(&buf)

	logger.Debug("test message", map[string]any{"key": "value"})

	output := buf.String()
	if !strings.Contains(output, `"level":"debug"`) {
		t.Errorf("expected debug level in output, got: %s", output)
	}
	if !strings.Contains(output, `"message":"test message"`) {
		t.Errorf("expected message in output, got: %s", output)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelWarn)
	logger.SetOutput(&buf)

	logger.Debug("d")
	logger.Info("i")
	if buf.Len() > 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}

	logger.Warn("w")
	logger.Error("e")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestLogger_ComponentSharesSink(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	child := logger.Component("lock")
	logger.SetLevel(LevelError)
	child.Info("suppressed")
	if buf.Len() > 0 {
		t.Fatalf("child should follow parent level, got: %s", buf.String())
	}

	child.Error("acquire failed")
	e := decode(t, strings.TrimSpace(buf.String()))
	if e.Fields["component"] != "lock" {
		t.Errorf("expected component field, got %v", e.Fields)
	}
}

func TestLogger_ErrorErrCarriesCode(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.ErrorErr("write failed", errclass.ErrDiskFull.WithMessage("no space"), map[string]any{"op": "write"})

	e := decode(t, strings.TrimSpace(buf.String()))
	if e.Fields["code"] != "E_DISK_FULL" {
		t.Errorf("expected code, got %v", e.Fields)
	}
	if e.Fields["kind"] != "disk_full" {
		t.Errorf("expected kind, got %v", e.Fields)
	}
	if e.Fields["exit_code"] != float64(7) {
		t.Errorf("expected exit_code 7, got %v", e.Fields["exit_code"])
	}
	if e.Fields["op"] != "write" {
		t.Errorf("expected op field, got %v", e.Fields)
	}
	if e.Timestamp == "" {
		t.Error("expected timestamp")
	}
}

func TestLogger_TeeFile(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	path := filepath.Join(t.TempDir(), "logs", "pipeline.log")
	closer, err := logger.TeeFile(path)
	if err != nil {
		t.Fatalf("tee: %v", err)
	}
	logger.Info("to both")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	logger.Info("stderr only")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to both") || strings.Contains(string(data), "stderr only") {
		t.Errorf("unexpected file content: %s", data)
	}
	if !strings.Contains(buf.String(), "stderr only") {
		t.Errorf("expected primary output to keep receiving entries")
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel("debug"); err != nil || l != LevelDebug {
		t.Errorf("unexpected %s %v", l, err)
	}
	if l, err := ParseLevel(""); err != nil || l != LevelInfo {
		t.Errorf("unexpected %s %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error")
	}
}
