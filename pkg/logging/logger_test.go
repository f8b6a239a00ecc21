package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatalf("expected debug")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}

func TestComponentLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewComponentLogger(NewLogger(&buf, "info", "json"), "relay")
	log.Info("relay_started")
	out := buf.String()
	if !strings.Contains(out, `"component":"relay"`) || !strings.Contains(out, "relay_started") {
		t.Fatalf("unexpected output %q", out)
	}
}
