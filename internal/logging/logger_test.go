package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestVerbosityFollowsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("info", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("visible", "package", "numpy")
	log.V(1).Info("streamed line")
	out := buf.String()
	if !strings.Contains(out, "visible") || !strings.Contains(out, "numpy") {
		t.Fatalf("info line missing:\n%s", out)
	}
	if strings.Contains(out, "streamed line") {
		t.Fatalf("V(1) should be hidden at info:\n%s", out)
	}

	buf.Reset()
	log, err = NewWithWriter("debug", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.V(1).Info("streamed line")
	if !strings.Contains(buf.String(), "streamed line") {
		t.Fatalf("V(1) should show at debug:\n%s", buf.String())
	}
}
