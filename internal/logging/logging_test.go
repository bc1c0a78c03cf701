package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestInitWritesRotatedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ferry.log")
	if err := Init(Config{Level: "debug", Format: "json", File: file}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitDefault()

	Info("queue started", zap.Int("jobs", 3), Path("/a/b"))
	if err := Sync(); err != nil && !strings.Contains(err.Error(), "sync /dev/stderr") {
		t.Logf("Sync: %v", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "queue started") || !strings.Contains(string(data), `"path":"/a/b"`) {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestSetLevelFilters(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ferry.log")
	if err := Init(Config{Level: "info", File: file}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer InitDefault()

	SetLevel("error")
	Warn("dropped warning")
	SetLevel("info")
	Info("kept info")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "dropped warning") {
		t.Error("warning logged above level")
	}
	if !strings.Contains(string(data), "kept info") {
		t.Error("info entry missing")
	}
}
