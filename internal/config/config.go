// Package config loads daemon configuration from TOML with built-in
// defaults. Every numeric knob the pipeline depends on lives here rather
// than as a hard-coded constant.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML decoding ("100ms", "5m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Watch   WatchConfig   `toml:"watch"`
	Read    ReadConfig    `toml:"read"`
	Ingest  IngestConfig  `toml:"ingest"`
	Persist PersistConfig `toml:"persist"`
	Server  ServerConfig  `toml:"server"`
	Health  HealthConfig  `toml:"health"`
}

// WatchConfig controls file discovery and change detection.
type WatchConfig struct {
	Root         string   `toml:"root"`
	Extension    string   `toml:"extension"`
	Debounce     Duration `toml:"debounce"`
	PollInterval Duration `toml:"poll_interval"`
	ForcePoll    bool     `toml:"force_poll"` // skip fsnotify, poll only
}

// ReadConfig controls incremental reading.
type ReadConfig struct {
	ChunkSize    int `toml:"chunk_size"`
	MaxLines     int `toml:"max_lines_per_read"`
	MaxLineBytes int `toml:"max_line_bytes"`
}

// IngestConfig controls the dispatch worker pool and conversation sweep.
type IngestConfig struct {
	Workers           int      `toml:"workers"`
	InactivityTimeout Duration `toml:"inactivity_timeout"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

// PersistConfig controls durable storage and the write pipeline.
type PersistConfig struct {
	DBPath        string   `toml:"db_path"`
	QueueSize     int      `toml:"queue_size"`
	BatchSize     int      `toml:"batch_size"`
	FlushInterval Duration `toml:"flush_interval"`
	MaxAttempts   int      `toml:"max_attempts"`
	RetryBase     Duration `toml:"retry_base"`
	WriteTimeout  Duration `toml:"write_timeout"`
}

// ServerConfig controls the WebSocket broadcast server.
type ServerConfig struct {
	Listen              string   `toml:"listen"`
	ClientBuffer        int      `toml:"client_buffer"`
	HeartbeatInterval   Duration `toml:"heartbeat_interval"`
	MaxMissedHeartbeats int      `toml:"max_missed_heartbeats"`
	PushTimeout         Duration `toml:"push_timeout"`
}

// HealthConfig controls health sampling.
type HealthConfig struct {
	SampleInterval Duration `toml:"sample_interval"`
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	return &Config{
		Watch: WatchConfig{
			Root:         filepath.Join(home, ".claude", "projects"),
			Extension:    ".jsonl",
			Debounce:     Duration(100 * time.Millisecond),
			PollInterval: Duration(2 * time.Second),
		},
		Read: ReadConfig{
			ChunkSize:    64 * 1024,
			MaxLines:     10000,
			MaxLineBytes: 10 * 1024 * 1024,
		},
		Ingest: IngestConfig{
			Workers:           8,
			InactivityTimeout: Duration(5 * time.Minute),
			SweepInterval:     Duration(30 * time.Second),
		},
		Persist: PersistConfig{
			DBPath:        filepath.Join(home, ".local", "share", "transcriptd", "transcriptd.db"),
			QueueSize:     4096,
			BatchSize:     100,
			FlushInterval: Duration(500 * time.Millisecond),
			MaxAttempts:   5,
			RetryBase:     Duration(250 * time.Millisecond),
			WriteTimeout:  Duration(5 * time.Second),
		},
		Server: ServerConfig{
			Listen:              "127.0.0.1:8765",
			ClientBuffer:        256,
			HeartbeatInterval:   Duration(30 * time.Second),
			MaxMissedHeartbeats: 3,
			PushTimeout:         Duration(5 * time.Second),
		},
		Health: HealthConfig{
			SampleInterval: Duration(10 * time.Second),
		},
	}, nil
}

// Load reads configuration from path, or from the default location when
// path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = filepath.Join(home, ".config", "transcriptd", "config.toml")
		if _, err := os.Stat(path); err != nil {
			return cfg, nil
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Watch.Root = expandHome(cfg.Watch.Root, home)
	cfg.Persist.DBPath = expandHome(cfg.Persist.DBPath, home)

	return cfg, nil
}

// Validate checks for configuration errors that must stop the process at
// startup rather than surface later as per-item failures.
func (c *Config) Validate() error {
	info, err := os.Stat(c.Watch.Root)
	if err != nil {
		return fmt.Errorf("watch root %s: %w", c.Watch.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root %s is not a directory", c.Watch.Root)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Persist.QueueSize <= 0 {
		return fmt.Errorf("persist.queue_size must be positive, got %d", c.Persist.QueueSize)
	}
	if c.Persist.BatchSize <= 0 {
		return fmt.Errorf("persist.batch_size must be positive, got %d", c.Persist.BatchSize)
	}
	if c.Persist.MaxAttempts <= 0 {
		return fmt.Errorf("persist.max_attempts must be positive, got %d", c.Persist.MaxAttempts)
	}
	if c.Server.ClientBuffer <= 0 {
		return fmt.Errorf("server.client_buffer must be positive, got %d", c.Server.ClientBuffer)
	}
	return nil
}

func expandHome(path, home string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
