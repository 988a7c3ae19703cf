package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		expectError bool
	}{
		{name: "default", config: DefaultConfig()},
		{name: "debug", config: DebugConfig()},
		{name: "bad level", config: &Config{Level: "loud", Format: TextFormat, Output: StderrOutput}, expectError: true},
		{name: "bad format", config: &Config{Level: InfoLevel, Format: "xml", Output: StderrOutput}, expectError: true},
		{name: "file without path", config: &Config{Level: InfoLevel, Format: TextFormat, Output: FileOutput}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: StderrOutput, Writer: &buf})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	log.WithComponent("ingest").WithField("account_id", "acc-1").Info("sync finished")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "ingest" {
		t.Errorf("expected component field, got %v", line["component"])
	}
	if line["account_id"] != "acc-1" {
		t.Errorf("expected account_id field, got %v", line["account_id"])
	}
	if line["msg"] != "sync finished" {
		t.Errorf("expected message, got %v", line["msg"])
	}
}

func TestProgressTracker(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewLogger(&Config{Level: InfoLevel, Format: TextFormat, Output: StderrOutput, Writer: &buf, DisableTimestamp: true})

	tracker := NewProgressTracker(ProgressConfig{Operation: "batch", Total: 4, Logger: log})
	tracker.Increment(false)
	tracker.Increment(true)
	tracker.Increment(false)
	stats := tracker.Complete()

	if stats.Current != 3 || stats.Failed != 1 {
		t.Errorf("expected 3 processed and 1 failed, got %d/%d", stats.Current, stats.Failed)
	}
	if stats.Percentage != 75 {
		t.Errorf("expected 75%%, got %.1f", stats.Percentage)
	}
	if !strings.Contains(buf.String(), "Operation completed") {
		t.Errorf("expected completion log line, got %q", buf.String())
	}
}

func TestRedactHook(t *testing.T) {
	var buf bytes.Buffer
	redact := func(s string) string { return strings.ReplaceAll(s, "ana@example.com", "[redacted]") }
	log, err := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: StderrOutput, Writer: &buf, Redact: redact})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	parent := log.WithField("description", "PIX ana@example.com")
	parent.WithError(errors.New("bad row ana@example.com")).Warn("row from ana@example.com skipped")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if strings.Contains(buf.String(), "ana@example.com") {
		t.Errorf("expected address to be masked, got %q", buf.String())
	}
	if line["description"] != "PIX [redacted]" {
		t.Errorf("expected masked description, got %v", line["description"])
	}
	if line["error"] != "bad row [redacted]" {
		t.Errorf("expected masked error, got %v", line["error"])
	}

	// without a redactor text is written as is
	buf.Reset()
	noRedact, _ := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: StderrOutput, Writer: &buf})
	noRedact.WithField("description", "PIX ana@example.com").Info("kept")
	if !strings.Contains(buf.String(), "ana@example.com") {
		t.Errorf("expected unmasked text without a redactor, got %q", buf.String())
	}
}
