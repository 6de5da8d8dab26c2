package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	logger, err := New("", "", "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("hello")
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := New(level, "json", ""); err != nil {
			t.Errorf("New(%q) returned error: %v", level, err)
		}
	}
}

func TestNewUnknownLevel(t *testing.T) {
	if _, err := New("verbose", "json", ""); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewConsoleFormat(t *testing.T) {
	logger, err := New("info", "console", "")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("console output")
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := New("info", "json", path)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("written to file")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected log output in file")
	}
}

func TestNewFileOpenError(t *testing.T) {
	if _, err := New("info", "json", filepath.Join(t.TempDir(), "missing", "dir", "x.log")); err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}
