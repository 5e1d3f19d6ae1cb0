package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.Watch.Extension != ".jsonl" {
		t.Fatalf("extension = %q", cfg.Watch.Extension)
	}
	if cfg.Ingest.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Ingest.Workers)
	}
	if cfg.Persist.QueueSize != 4096 {
		t.Fatalf("queue size = %d", cfg.Persist.QueueSize)
	}
	if cfg.Server.Listen != "127.0.0.1:8765" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Watch.Debounce.Std() != 100*time.Millisecond {
		t.Fatalf("debounce = %v", cfg.Watch.Debounce.Std())
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[watch]
root = "/tmp/transcripts"
debounce = "250ms"

[ingest]
workers = 2

[persist]
db_path = "/tmp/t.db"
batch_size = 10

[server]
listen = "127.0.0.1:9999"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watch.Root != "/tmp/transcripts" {
		t.Fatalf("root = %q", cfg.Watch.Root)
	}
	if cfg.Watch.Debounce.Std() != 250*time.Millisecond {
		t.Fatalf("debounce = %v", cfg.Watch.Debounce.Std())
	}
	if cfg.Ingest.Workers != 2 {
		t.Fatalf("workers = %d", cfg.Ingest.Workers)
	}
	if cfg.Persist.BatchSize != 10 {
		t.Fatalf("batch size = %d", cfg.Persist.BatchSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Persist.QueueSize != 4096 {
		t.Fatalf("queue size = %d", cfg.Persist.QueueSize)
	}
	if cfg.Server.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[watch]
root = "~/transcripts"

[persist]
db_path = "~/state/t.db"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.Watch.Root != filepath.Join(home, "transcripts") {
		t.Fatalf("root = %q", cfg.Watch.Root)
	}
	if cfg.Persist.DBPath != filepath.Join(home, "state", "t.db") {
		t.Fatalf("db path = %q", cfg.Persist.DBPath)
	}
}

func TestLoad_BadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	os.WriteFile(path, []byte("watch = {{{{"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := Default()
	cfg.Watch.Root = t.TempDir()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Watch.Root = filepath.Join(cfg.Watch.Root, "missing")
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing watch root accepted")
	}

	cfg.Watch.Root = t.TempDir()
	cfg.Ingest.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero workers accepted")
	}

	cfg.Ingest.Workers = 4
	cfg.Persist.BatchSize = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative batch size accepted")
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Fatalf("duration = %v", d.Std())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatal("invalid duration accepted")
	}
}
