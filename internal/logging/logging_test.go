package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "debug", "api-server"), "slot_allocator")

	logger.Info().Str("slot_id", "abc").Msg("slot held")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["service"] != "api-server" {
		t.Errorf("expected service field, got %v", entry["service"])
	}
	if entry["component"] != "slot_allocator" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
	if entry["message"] != "slot held" {
		t.Errorf("unexpected message %v", entry["message"])
	}
}

func TestNewWithWriter_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty", "worker")

	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered at info level, got %s", buf.String())
	}
}
