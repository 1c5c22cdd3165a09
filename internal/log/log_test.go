package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogIncludesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Info("run completed", "submission", "p1", "score", 0.707)

	out := buf.String()
	for _, want := range []string{"INFO", "run completed", "submission=p1", "score=0.707"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestSetLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(LevelWarn)

	l.Info("should be dropped")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Fatalf("expected info record to be filtered, got %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("expected warn record, got %q", out)
	}
}

func TestWithCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf).With("tournament", "t1")

	l.Error("phase failed", "phase", "testing")

	out := buf.String()
	if !strings.Contains(out, "tournament=t1") || !strings.Contains(out, "phase=testing") {
		t.Fatalf("expected both context and call fields, got %q", out)
	}
}
