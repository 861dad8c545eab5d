package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatJSON).WithComponent("notify").WithModerator(7)

	logger.Info("notice sent", "message_id", 42)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "notice sent" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "notify" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["moderator_id"] != float64(7) {
		t.Errorf("moderator_id = %v", entry["moderator_id"])
	}
	if entry["message_id"] != float64(42) {
		t.Errorf("message_id = %v", entry["message_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn, FormatText)

	logger.Debug("debug")
	logger.Info("info")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below WARN, got %q", buf.String())
	}

	logger.Warn("warn")
	if !strings.Contains(buf.String(), "warn") {
		t.Errorf("expected warn entry, got %q", buf.String())
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "loud", FormatText)

	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestChildLoggerDoesNotLeakAttrs(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, LevelInfo, FormatText)
	_ = parent.With("child", true)

	parent.Info("from parent")
	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent picked up child attrs: %q", buf.String())
	}
}

func TestPrintfTrimsNewline(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatJSON)
	logger.Printf("request %d\n", 5)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "request 5" {
		t.Errorf("msg = %q", entry["msg"])
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Error("dropped", "k", "v")
}
