package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

const baseYAML = `
backends:
  - url: "http://a"
    weight: 1
    region: "us-west"
`

const updatedYAML = `
backends:
  - url: "http://a"
    weight: 1
    region: "us-west"
  - url: "http://b"
    weight: 1
    region: "asia-east"
`

func TestReloaderPicksUpChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(baseYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	r, err := NewReloader(path, 20*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}
	if len(r.Current().Backends) != 1 {
		t.Fatalf("expected 1 backend initially, got %d", len(r.Current().Backends))
	}

	r.Start()
	defer r.Close()

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte(updatedYAML), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.Current().Backends) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reload to pick up 2 backends, got %d", len(r.Current().Backends))
}

func TestReloaderKeepsPreviousOnInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(baseYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	r, err := NewReloader(path, 20*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}

	r.Start()
	defer r.Close()

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("backends: []"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if len(r.Current().Backends) != 1 {
		t.Fatalf("expected invalid update to be rejected, kept backend count changed to %d", len(r.Current().Backends))
	}
}
