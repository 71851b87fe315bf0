// Package config loads the memex-vstore configuration file.
//
// The file is named by the --config flag or the MEMEX_VSTORE_CONFIG
// environment variable. Without either, Default() is used as is: an
// in-memory repository, which is only useful for trying things out.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/memex-vstore/internal/persist"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "MEMEX_VSTORE_CONFIG"

// Backend names.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config is the complete configuration.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`

	// Backend selects the storage backend: memory, fs, badger, sqlite or
	// nats. Only the matching section below is read.
	Backend string `yaml:"backend"`

	FS     FSConfig     `yaml:"fs"`
	Badger BadgerConfig `yaml:"badger"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	NATS   NATSConfig   `yaml:"nats"`

	Log LogConfig `yaml:"log"`
}

// RepositoryConfig identifies the repository and sets its index limits.
type RepositoryConfig struct {
	// ID scopes every key the backend writes. Default: "default".
	ID string `yaml:"id"`

	// DefaultBranch is created by "init". Default: "main".
	DefaultBranch string `yaml:"default_branch"`

	// IncrementalIndexSizeLimit bounds the serialized size of the index
	// kept inline in a commit. Default: 50 KiB.
	IncrementalIndexSizeLimit int `yaml:"incremental_index_size_limit"`

	// IndexSegmentSizeLimit bounds each spilled index segment.
	// Default: 50 KiB.
	IndexSegmentSizeLimit int `yaml:"index_segment_size_limit"`
}

// FSConfig configures the file-per-object backend.
type FSConfig struct {
	Dir string `yaml:"dir"`
}

// BadgerConfig configures the embedded key-value backend.
type BadgerConfig struct {
	Dir string `yaml:"dir"`

	// InMemory keeps everything in memory; Dir is ignored.
	InMemory bool `yaml:"in_memory"`

	// ValueLogFileSize in bytes. Default: Badger's own default.
	ValueLogFileSize int64 `yaml:"value_log_file_size"`
}

// SQLiteConfig configures the relational backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`

	// PoolSize must be at least 2, since an object scan holds a
	// connection until closed. Default: max(NumCPU, 4).
	PoolSize int `yaml:"pool_size"`

	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// NATSConfig configures the JetStream key-value backend.
type NATSConfig struct {
	URL          string        `yaml:"url"`
	BucketPrefix string        `yaml:"bucket_prefix"`
	Replicas     int           `yaml:"replicas"`
	Timeout      time.Duration `yaml:"timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`

	// Format is text or json. Default: text.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Repository: RepositoryConfig{
			ID:                        "default",
			DefaultBranch:             "main",
			IncrementalIndexSizeLimit: persist.DefaultIncrementalIndexSizeLimit,
			IndexSegmentSizeLimit:     persist.DefaultIndexSegmentSizeLimit,
		},
		Backend: BackendMemory,
		NATS: NATSConfig{
			BucketPrefix: "memex_vstore",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path, or the file named by MEMEX_VSTORE_CONFIG when path is
// empty. With neither, it returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML over Default() and validates the result. Unknown
// fields are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandVariables expands ${HOME} and similar variables in paths.
func (c *Config) expandVariables() {
	for _, p := range []*string{&c.FS.Dir, &c.Badger.Dir, &c.SQLite.Path} {
		*p = os.ExpandEnv(*p)
	}
}

// resolvePaths makes relative paths relative to the config file.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.FS.Dir, &c.Badger.Dir, &c.SQLite.Path} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Repository.ID == "" {
		return errors.New("repository.id is required")
	}
	if c.Repository.DefaultBranch == "" || strings.HasPrefix(c.Repository.DefaultBranch, "/") {
		return fmt.Errorf("repository.default_branch %q is invalid", c.Repository.DefaultBranch)
	}
	if c.Repository.IncrementalIndexSizeLimit < 0 || c.Repository.IndexSegmentSizeLimit < 0 {
		return errors.New("repository index size limits must not be negative")
	}

	switch c.Backend {
	case BackendMemory:
	case BackendFS:
		if c.FS.Dir == "" {
			return errors.New("fs.dir is required for the fs backend")
		}
	case BackendBadger:
		if c.Badger.Dir == "" && !c.Badger.InMemory {
			return errors.New("badger.dir is required unless badger.in_memory is set")
		}
		if c.Badger.ValueLogFileSize < 0 {
			return errors.New("badger.value_log_file_size must not be negative")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite.path is required for the sqlite backend")
		}
		if c.SQLite.PoolSize == 1 || c.SQLite.PoolSize < 0 {
			return fmt.Errorf("sqlite.pool_size must be at least 2, got %d", c.SQLite.PoolSize)
		}
	case BackendNATS:
		if c.NATS.URL == "" {
			return errors.New("nats.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown backend %q, expected one of memory, fs, badger, sqlite, nats", c.Backend)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format %q is invalid, expected text or json", c.Log.Format)
	}
	return nil
}

// PersistConfig returns the store configuration of the repository.
func (c *Config) PersistConfig() persist.Config {
	return persist.Config{
		RepositoryID:              c.Repository.ID,
		IncrementalIndexSizeLimit: c.Repository.IncrementalIndexSizeLimit,
		IndexSegmentSizeLimit:     c.Repository.IndexSegmentSizeLimit,
	}.WithDefaults()
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q is invalid: %w", l.Level, err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
