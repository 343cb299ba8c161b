package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line %q is not json: %v", line, err)
	}
	return m
}

func TestJSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Info("kernel loaded", "kernel", "copy_blocks_kernel_f16", "blocks", 4, "err", errors.New("boom"))

	m := decode(t, &buf)
	if m["message"] != "kernel loaded" {
		t.Errorf("message = %v", m["message"])
	}
	if m["kernel"] != "copy_blocks_kernel_f16" {
		t.Errorf("kernel = %v", m["kernel"])
	}
	if m["blocks"] != float64(4) {
		t.Errorf("blocks = %v", m["blocks"])
	}
	if m["err"] != "boom" {
		t.Errorf("err = %v", m["err"])
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.With("component", "registry").Warn("rejected")
	m := decode(t, &buf)
	if m["component"] != "registry" {
		t.Errorf("component = %v", m["component"])
	}
	if m["level"] != "warn" {
		t.Errorf("level = %v", m["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "error", "json")
	defer Setup("info", "console")

	Log.Debug("filtered")
	Log.Info("filtered")
	Log.Warn("filtered")
	if buf.Len() != 0 {
		t.Errorf("expected no output below error level, got %q", buf.String())
	}
	if Log.DebugEnabled() {
		t.Error("debug should be disabled at error level")
	}
	Log.Error("kept")
	if buf.Len() == 0 {
		t.Error("expected error output")
	}
}

func TestOddAndNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Info("odd args", 123, "value", "orphan_key")
	m := decode(t, &buf)
	if m["123"] != "value" {
		t.Errorf("non-string key not converted: %v", m)
	}
	if _, ok := m["orphan_key"]; ok {
		t.Error("orphan key should be dropped")
	}
}
