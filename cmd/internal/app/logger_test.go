package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", in, got, want)
		}
	}
}

func TestNewHandler_JSONByDefault(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "warn", ""))
	log.Info("dropped")
	log.Warn("feed.slow_subscriber", "topic", "conversation:alice:bob", "dropped", 3)

	line := strings.TrimSpace(buf.String())
	if strings.Count(line, "\n") != 0 {
		t.Fatalf("expected one record, got %q", line)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, line)
	}
	if rec["msg"] != "feed.slow_subscriber" || rec["topic"] != "conversation:alice:bob" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["source"]; !ok {
		t.Fatalf("source missing from %v", rec)
	}
}

func TestNewHandler_Pretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, "debug", "Pretty"))
	log.Debug("ws.subscribe", "peer", "bob")

	got := buf.String()
	if !strings.Contains(got, "lvl=[DEBUG]") || !strings.Contains(got, "peer=bob") {
		t.Fatalf("unexpected pretty output %q", got)
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("buffers are not terminals, expected no color: %q", got)
	}
}
