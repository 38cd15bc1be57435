package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	p, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Snapshot.EveryNEvents != 500 {
		t.Fatalf("expected default every_n_events=500, got %d", p.Snapshot.EveryNEvents)
	}
	if !p.Replication.RequireQuorum {
		t.Fatalf("expected require_quorum default true")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	root := t.TempDir()
	doc := "max_inflight_commands: 8\nsnapshot:\n  every_n_events: 10\n"
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.MaxInflightCommands != 8 {
		t.Fatalf("expected override max_inflight_commands=8, got %d", p.MaxInflightCommands)
	}
	if p.Snapshot.EveryNEvents != 10 {
		t.Fatalf("expected override every_n_events=10, got %d", p.Snapshot.EveryNEvents)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	p := Default()
	p.Snapshot.EveryNEvents = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for every_n_events=0")
	}
}

func TestWatchConfigNotifiesOnChange(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte("max_inflight_commands: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan Policy, 4)
	errs := make(chan error, 4)
	w, err := WatchConfig(root, func(p Policy) { changes <- p }, func(e error) { errs <- e })
	if err != nil {
		t.Fatalf("WatchConfig: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte("max_inflight_commands: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-changes:
		if p.MaxInflightCommands != 9 {
			t.Fatalf("expected reloaded max_inflight_commands=9, got %d", p.MaxInflightCommands)
		}
	case err := <-errs:
		t.Fatalf("unexpected reload error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}
}
