package vmlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelLinesHaveExpectedPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"DEBUG d", "INFO i", "WARN w", "ERROR e"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestDebugSuppressedWhenNotVerbose(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)

	l.Debug("hidden")
	l.Debugf("also %s", "hidden")
	l.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected DEBUG lines suppressed, got %q", out)
	}
	if !strings.Contains(out, "INFO shown") {
		t.Errorf("expected INFO line present, got %q", out)
	}
}

func TestVerboseReportsState(t *testing.T) {
	if New(&bytes.Buffer{}, true).Verbose() != true {
		t.Error("expected Verbose() == true")
	}
	if New(&bytes.Buffer{}, false).Verbose() != false {
		t.Error("expected Verbose() == false")
	}
}
