package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
)

func TestNewManagerCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	cfg := m.Get()
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.Runtime != DefaultRuntime() {
		t.Errorf("Runtime = %+v, want defaults", cfg.Runtime)
	}
	if cfg.Capability.Kind != "none" {
		t.Errorf("Capability.Kind = %q, want none", cfg.Capability.Kind)
	}
}

func TestManagerReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"server_port: 9090",
		"log_level: debug",
		"runtime:",
		"  frame_skip: 5",
		"  confidence_threshold: 0.7",
		"store:",
		"  driver: none",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cfg := m.Get()
	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if cfg.Runtime.FrameSkip != 5 {
		t.Errorf("Runtime.FrameSkip = %d, want 5", cfg.Runtime.FrameSkip)
	}
	if cfg.Runtime.ResizeWidth != 640 {
		t.Errorf("Runtime.ResizeWidth = %d, want default 640", cfg.Runtime.ResizeWidth)
	}
	if cfg.Store.Driver != "none" {
		t.Errorf("Store.Driver = %q, want none", cfg.Store.Driver)
	}
}

func TestManagerRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("runtime:\n  frame_skip: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); !apperr.IsCode(err, apperr.InvalidConfig) {
		t.Errorf("NewManager() error = %v, want InvalidConfig", err)
	}
}

func TestManagerSetPersistsAndRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Set("runtime.frame_skip", 7); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := m.Set("runtime.frame_skip", 0); err == nil {
		t.Fatal("Set(frame_skip, 0) succeeded, want error")
	}
	if got := m.Get().Runtime.FrameSkip; got != 7 {
		t.Errorf("FrameSkip after rejected Set = %d, want 7", got)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager(reload) error = %v", err)
	}
	if got := reloaded.Get().Runtime.FrameSkip; got != 7 {
		t.Errorf("reloaded FrameSkip = %d, want 7", got)
	}
}

func TestManagerSetRuntime(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	rt := DefaultRuntime()
	rt.MaxDetectionsPerFrame = 9
	if err := m.SetRuntime(rt); err != nil {
		t.Fatalf("SetRuntime() error = %v", err)
	}
	if got := m.Get().Runtime; got != rt {
		t.Errorf("Runtime = %+v, want %+v", got, rt)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("PLATESTREAMER_SERVER_PORT", "7070")
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if got := m.Get().ServerPort; got != 7070 {
		t.Errorf("ServerPort = %d, want 7070 from environment", got)
	}
}
