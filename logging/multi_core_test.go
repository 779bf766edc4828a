package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewMultiCore_TeesToBothWriters(t *testing.T) {
	var console, file bytes.Buffer
	core := NewMultiCore(zapcore.InfoLevel, zapcore.AddSync(&console), zapcore.AddSync(&file), true)
	logger := zap.New(core)

	logger.Info("model loaded", zap.Int("context_size", 4096))
	logger.Debug("filtered out")

	if !strings.Contains(console.String(), "model loaded") {
		t.Errorf("expected console output, got %q", console.String())
	}
	if strings.Contains(console.String(), "filtered out") {
		t.Error("expected debug entry to be filtered")
	}

	var entry map[string]any
	if err := json.Unmarshal(file.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON in file, got %q: %v", file.String(), err)
	}
	if entry[FieldMessage] != "model loaded" {
		t.Errorf("expected message field, got %v", entry[FieldMessage])
	}
	if entry["context_size"] != float64(4096) {
		t.Errorf("expected context_size 4096, got %v", entry["context_size"])
	}
}

func TestNewMultiCore_ProductionConsoleIsJSON(t *testing.T) {
	var console bytes.Buffer
	logger := zap.New(NewMultiCore(zapcore.InfoLevel, zapcore.AddSync(&console), nil, false))
	logger.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(console.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON console output, got %q: %v", console.String(), err)
	}
	if entry[FieldLevel] != "info" {
		t.Errorf("expected level info, got %v", entry[FieldLevel])
	}
}

func TestRedactingCore(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(NewRedactingCore(obs)).With(zap.String("HF_TOKEN", "hf_secretvalue"))

	logger.Info("fetching https://host/m.gguf?token=abcdefgh",
		zap.String("api_key", "plain"),
		zap.String("note", "key sk-abcdefghijklmnopqrstuvwxyz"),
		zap.Error(errors.New("auth failed: password=hunter22hunter")),
		zap.Int("prompt_tokens", 12),
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if strings.Contains(e.Message, "abcdefgh") {
		t.Errorf("expected message to be redacted, got %q", e.Message)
	}

	fields := e.ContextMap()
	for _, key := range []string{"HF_TOKEN", "api_key"} {
		if fields[key] != RedactedPlaceholder {
			t.Errorf("expected %s to be redacted, got %v", key, fields[key])
		}
	}
	if s, _ := fields["note"].(string); strings.Contains(s, "sk-") {
		t.Errorf("expected note to be scrubbed, got %q", s)
	}
	if s, _ := fields["error"].(string); strings.Contains(s, "hunter22") {
		t.Errorf("expected error to be scrubbed, got %v", fields["error"])
	}
	if fields["prompt_tokens"] != int64(12) {
		t.Errorf("expected prompt_tokens untouched, got %v", fields["prompt_tokens"])
	}
}
