package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With("site", "demo")
	l.Info("resolved", "nodes", 3)
	l.Err(errors.New("boom"), "failed")

	out := buf.String()
	for _, want := range []string{`"site":"demo"`, `"nodes":3`, `"message":"resolved"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Debug("hidden")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestNopDoesNotPanic(t *testing.T) {
	l := NewNop()
	l.Info("x", "k", "v")
	l.With("a", 1).Err(errors.New("e"), "y")
}
