package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(Config{Level: "debug", Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	tl := WithComponent(l, "tunnel")
	tl.Debug().Str("target", "192.0.2.1:443").Msg("dialing")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["level"] != "debug" || rec["component"] != "tunnel" || rec["target"] != "192.0.2.1:443" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["time"]; !ok {
		t.Fatalf("missing timestamp: %v", rec)
	}
}

func TestNewLevelFilters(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(Config{Level: "WARN", Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNewConsole(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l, err := New(Config{Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info().Msg("listening")

	if !strings.Contains(buf.String(), "listening") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewInvalid(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
