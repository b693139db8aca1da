package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{in: "debug", want: logrus.DebugLevel},
		{in: " warn ", want: logrus.WarnLevel},
		{in: "error", want: logrus.ErrorLevel},
		{in: "", want: logrus.InfoLevel},
		{in: "chatty", want: logrus.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Level: "info", Output: &buf})
	defer closer.Close()

	Component(logger, "sync").Info("drain complete")
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "drain complete") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "component=sync") {
		t.Errorf("output missing component field: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line written at info level: %q", out)
	}
}

func TestNew_RotatingFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer := New(Options{Level: "debug", File: "logs/fieldbook.log", BaseDir: dir})

	logger.Debug("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "fieldbook.log"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestComponent_NilLogger(t *testing.T) {
	// Must not panic
	Component(nil, "x").Info("dropped")
}
