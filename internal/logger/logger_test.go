package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	Debug("should not appear")
	Info("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Error("debug message logged at INFO level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("info message missing")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer SetFormat("text")

	Info("hello", KeyPartition, "p1")

	out := buf.String()
	if !strings.Contains(out, `"partition":"p1"`) {
		t.Errorf("expected JSON field in output, got %q", out)
	}
}

func TestFatalLines(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	FatalLines("line one\nline two")

	out := buf.String()
	if strings.Count(out, "fatal=true") != 2 {
		t.Errorf("expected two fatal records, got %q", out)
	}
}

func TestWithBindsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	log := With(KeyPartition, "p2", KeyRun, uint64(7))
	log.Info("bound")

	out := buf.String()
	if !strings.Contains(out, "partition=p2") || !strings.Contains(out, "run=7") {
		t.Errorf("expected bound fields, got %q", out)
	}
}
