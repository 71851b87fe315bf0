package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, repo string) string {
	t.Helper()
	path := filepath.Join(dir, repo+".yaml")
	data := "repository:\n  id: " + repo + "\nbackend: fs\nfs:\n  dir: data\nlog:\n  level: error\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

func TestInitInfo(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "alpha")

	out, err := runCLI(t, "--config", cfg, "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "refs/heads/main") {
		t.Fatalf("init output = %q", out)
	}

	out, err = runCLI(t, "--config", cfg, "info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(out, "Default:     refs/heads/main") || !strings.Contains(out, "References (1):") {
		t.Fatalf("info output = %q", out)
	}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	src := writeConfig(t, dir, "source")
	dst := writeConfig(t, dir, "target")
	bundle := filepath.Join(dir, "bundle.zip")

	if _, err := runCLI(t, "--config", src, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := runCLI(t, "--config", src, "export", "--path", bundle)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out != "Exported repository, 0 commits into 0 files, 1 named references into 1 files.\n" {
		t.Fatalf("export output = %q", out)
	}

	if _, err := runCLI(t, "--config", dst, "import", "--path", bundle); err != nil {
		t.Fatalf("import: %v", err)
	}

	// Properties print in key order, so repeated runs match.
	first, err := runCLI(t, "--config", dst, "info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := runCLI(t, "--config", dst, "info")
		if err != nil || again != first {
			t.Fatalf("info output changed between runs:\n%s\n%s", first, again)
		}
	}
	bundleAt := strings.Index(first, "import-bundle-id:")
	importedAt := strings.Index(first, "imported-at:")
	fromAt := strings.Index(first, "imported-from:")
	if bundleAt < 0 || !(bundleAt < importedAt && importedAt < fromAt) {
		t.Fatalf("properties not sorted:\n%s", first)
	}

	_, err = runCLI(t, "--config", dst, "import", "--path", bundle)
	if exitCode(err) != 100 || !strings.Contains(err.Error(), "--erase-before-import") {
		t.Fatalf("second import = %v (exit %d)", err, exitCode(err))
	}
	if _, err := runCLI(t, "--config", dst, "import", "--path", bundle, "--erase-before-import"); err != nil {
		t.Fatalf("import with erase: %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.zip")
	if err := os.WriteFile(corrupt, []byte("not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = runCLI(t, "--config", dst, "import", "--path", corrupt, "--erase-before-import")
	if exitCode(err) != 100 {
		t.Fatalf("import of corrupt bundle = %v (exit %d)", err, exitCode(err))
	}
	_, err = runCLI(t, "--config", dst, "import", "--path", filepath.Join(dir, "missing.zip"))
	if exitCode(err) != 1 {
		t.Fatalf("import of missing bundle = %v (exit %d)", err, exitCode(err))
	}
}

func TestErase(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "gamma")
	if _, err := runCLI(t, "--config", cfg, "init"); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "--config", cfg, "erase"); exitCode(err) != 2 {
		t.Fatalf("erase without --yes = %v", err)
	}
	if _, err := runCLI(t, "--config", cfg, "erase", "--yes"); err != nil {
		t.Fatalf("erase: %v", err)
	}
	out, err := runCLI(t, "--config", cfg, "info")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Not initialized.") {
		t.Fatalf("info after erase = %q", out)
	}
}

func TestUsageErrors(t *testing.T) {
	tests := [][]string{
		{},
		{"bogus"},
		{"export"},
		{"export", "--path", "x", "--compression", "brotli"},
		{"init", "extra"},
		{"--no-such-flag", "init"},
		{"--log-level", "loud", "init"},
	}
	for _, args := range tests {
		if _, err := runCLI(t, args...); exitCode(err) != 2 {
			t.Errorf("run(%q) = %v (exit %d), want exit 2", args, err, exitCode(err))
		}
	}
}

func TestHelp(t *testing.T) {
	out, err := runCLI(t, "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"init", "info", "export", "import", "erase", "mount", "--config"} {
		if !strings.Contains(out, name) {
			t.Errorf("help does not mention %s", name)
		}
	}
	out, err = runCLI(t, "export", "--help")
	if err != nil || !strings.Contains(out, "--output-format") {
		t.Fatalf("export --help = %q, %v", out, err)
	}
}
