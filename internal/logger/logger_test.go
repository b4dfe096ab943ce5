package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWithWriterTagsAppAndEnv(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "storefront", "test", slog.LevelInfo)

	log.Info("consumer_start", slog.String("group", "saga-consumers"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["app"] != "storefront" || line["env"] != "test" {
		t.Fatalf("expected app/env attributes, got %v", line)
	}
	if line["msg"] != "consumer_start" || line["group"] != "saga-consumers" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewWithWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "storefront", "production", slog.LevelInfo)

	log.Debug("saga_trigger_handled")
	if buf.Len() != 0 {
		t.Fatalf("expected debug line to be dropped, got %q", buf.String())
	}
}

func TestLevelFor(t *testing.T) {
	cases := map[string]slog.Level{
		"dev":        slog.LevelDebug,
		" Local ":    slog.LevelDebug,
		"production": slog.LevelInfo,
		"":           slog.LevelInfo,
	}
	for env, want := range cases {
		if got := levelFor(env); got != want {
			t.Fatalf("levelFor(%q) = %v, want %v", env, got, want)
		}
	}
}
