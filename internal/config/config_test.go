package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
repository:
  id: catalog
  incremental_index_size_limit: 1024
backend: sqlite
sqlite:
  path: /var/lib/memex/store.db
  pool_size: 8
  busy_timeout: 2s
log:
  level: debug
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Repository.ID != "catalog" || cfg.Repository.DefaultBranch != "main" {
		t.Fatalf("repository = %+v", cfg.Repository)
	}
	if cfg.SQLite.PoolSize != 8 || cfg.SQLite.BusyTimeout != 2*time.Second {
		t.Fatalf("sqlite = %+v", cfg.SQLite)
	}

	pc := cfg.PersistConfig()
	if pc.IncrementalIndexSizeLimit != 1024 || pc.IndexSegmentSizeLimit != 50*1024 || pc.Clock == nil {
		t.Fatalf("PersistConfig = %+v", pc)
	}
	if level, _ := cfg.Log.SlogLevel(); level != slog.LevelDebug {
		t.Fatalf("level = %v", level)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("backend = %q", cfg.Backend)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "backend: memory\nbogus: 1\n", "bogus"},
		{"unknown backend", "backend: redis\n", "unknown backend"},
		{"fs without dir", "backend: fs\n", "fs.dir"},
		{"badger without dir", "backend: badger\n", "badger.dir"},
		{"sqlite pool of one", "backend: sqlite\nsqlite:\n  path: x.db\n  pool_size: 1\n", "pool_size"},
		{"nats without url", "backend: nats\n", "nats.url"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"empty repository id", "repository:\n  id: \"\"\n", "repository.id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_RelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vstore.yaml")
	if err := os.WriteFile(path, []byte("backend: fs\nfs:\n  dir: data\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FS.Dir != filepath.Join(dir, "data") {
		t.Fatalf("fs.dir = %q", cfg.FS.Dir)
	}
}

func TestLoad_Env(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vstore.yaml")
	if err := os.WriteFile(path, []byte("repository:\n  id: from-env\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvVar, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Repository.ID != "from-env" {
		t.Fatalf("repository.id = %q", cfg.Repository.ID)
	}

	t.Setenv(EnvVar, "")
	if cfg, err := Load(""); err != nil || cfg.Repository.ID != "default" {
		t.Fatalf("Load without file = %+v, %v", cfg, err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("log output = %q", out)
	}
}
