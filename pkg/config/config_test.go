package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.State.BackupKeep != 5 {
		t.Errorf("expected backup_keep 5, got %d", cfg.State.BackupKeep)
	}
	if got := cfg.Duration("state.backup_max_age"); got != 7*24*time.Hour {
		t.Errorf("expected 7d backup window, got %s", got)
	}
	if got := cfg.Duration("lock.stale_after"); got != 5*time.Minute {
		t.Errorf("expected 5m stale threshold, got %s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_NotExists(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Resilience.MaxRetries != 3 {
		t.Errorf("expected default max_retries, got %d", cfg.Resilience.MaxRetries)
	}
}

func TestLoad_Exists(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".pipeguard"), 0755); err != nil {
		t.Fatal(err)
	}
	content := `
lock:
  stale_after: 90s
state:
  backup_keep: 2
resilience:
  breaker_threshold: 3
`
	if err := os.WriteFile(Path(root), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Duration("lock.stale_after"); got != 90*time.Second {
		t.Errorf("expected 90s, got %s", got)
	}
	if cfg.State.BackupKeep != 2 {
		t.Errorf("expected backup_keep 2, got %d", cfg.State.BackupKeep)
	}
	if cfg.Resilience.BreakerThreshold != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.Resilience.BreakerThreshold)
	}
	// untouched keys keep defaults
	if cfg.Lock.Timeout != "30s" {
		t.Errorf("expected default timeout, got %s", cfg.Lock.Timeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, ".pipeguard"), 0755)

	os.WriteFile(Path(root), []byte("lock: [unclosed"), 0644)
	if _, err := Load(root); err == nil {
		t.Error("expected parse error")
	}

	os.WriteFile(Path(root), []byte("lock:\n  timeout: soon\n"), 0644)
	if _, err := Load(root); err == nil {
		t.Error("expected duration error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Checkpoint.Artifacts = []string{"config.yaml"}
	cfg.Logging.Level = "debug"

	if err := Save(root, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Logging.Level != "debug" || len(loaded.Checkpoint.Artifacts) != 1 {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	if err := cfg.Set("lock.timeout", "10s"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := cfg.Get("lock.timeout"); v != "10s" {
		t.Errorf("expected 10s, got %s", v)
	}

	if err := cfg.Set("state.backup_keep", "9"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.State.BackupKeep != 9 {
		t.Errorf("expected 9, got %d", cfg.State.BackupKeep)
	}

	if err := cfg.Set("checkpoint.artifacts", "config.yaml, signals ,"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := cfg.Get("checkpoint.artifacts"); v != "config.yaml,signals" {
		t.Errorf("unexpected artifacts %q", v)
	}

	if err := cfg.Set("state.backup_keep", "zero"); err == nil {
		t.Error("expected integer error")
	}
	if err := cfg.Set("resilience.max_delay", "later"); err == nil {
		t.Error("expected duration error")
	}
	if err := cfg.Set("nope", "1"); err == nil {
		t.Error("expected unknown key error")
	}
	if _, err := cfg.Get("nope"); err == nil {
		t.Error("expected unknown key error")
	}

	for _, key := range Keys() {
		if _, err := Default().Get(key); err != nil {
			t.Errorf("key %s not readable: %v", key, err)
		}
	}
}
