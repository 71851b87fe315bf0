package safefile

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWrite_AtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obj")
	data := []byte("hello world")

	if err := Write(path, data, 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Fatalf("perm = %o, want 0644", info.Mode().Perm())
	}
}

func TestWrite_OverwriteExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref")

	if err := Write(path, []byte("first"), 0644); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	if err := Write(path, []byte("second"), 0644); err != nil {
		t.Fatalf("Write second: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("got %q, want %q", got, "second")
	}
}

func TestWrite_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref")

	if err := Write(path, []byte("original"), 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}

	badPath := filepath.Join(dir, "nodir", "ref")
	if err := Write(badPath, []byte("bad"), 0644); err == nil {
		t.Fatal("expected error writing to nonexistent dir")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "ref" {
			t.Fatalf("unexpected file left behind: %s", e.Name())
		}
	}

	got, _ := os.ReadFile(path)
	if string(got) != "original" {
		t.Fatalf("original corrupted: got %q", got)
	}
}

func TestCreate_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obj")

	created, err := Create(path, []byte("first"), 0644)
	if err != nil || !created {
		t.Fatalf("Create first = %v, %v", created, err)
	}
	created, err = Create(path, []byte("second"), 0644)
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if created {
		t.Fatal("Create replaced an existing file")
	}

	got, _ := os.ReadFile(path)
	if string(got) != "first" {
		t.Fatalf("got %q, want %q", got, "first")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestCreate_SingleWinner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref")

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := Create(path, []byte{byte(i)}, 0644)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			if created {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if n := winners.Load(); n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}
}
