package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/systemshift/memex-vstore/internal/persist"
	"github.com/systemshift/memex-vstore/internal/persist/persisttest"
)

func TestContract(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	persisttest.Run(t, func(t *testing.T, cfg persist.Config) persist.Persist {
		p, err := b.CreatePersist(cfg)
		if err != nil {
			t.Fatalf("CreatePersist: %v", err)
		}
		return p
	})
}

func TestLayout(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p, err := b.CreatePersist(persist.Config{RepositoryID: "main"})
	if err != nil {
		t.Fatalf("CreatePersist: %v", err)
	}
	ctx := context.Background()

	cv, err := persist.NewContentValue("c", 1, []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.StoreObj(ctx, cv, false); err != nil {
		t.Fatalf("StoreObj: %v", err)
	}
	if _, err := p.AddReference(ctx, persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID}); err != nil {
		t.Fatalf("AddReference: %v", err)
	}

	repoDir := filepath.Join(dir, "repo-"+encodeName("main"))
	if _, err := os.Stat(filepath.Join(repoDir, "objects", cv.ID().String())); err != nil {
		t.Errorf("object file missing: %v", err)
	}
	refFile := filepath.Join(repoDir, "refs", encodeName("refs/heads/main"))
	if _, err := os.Stat(refFile); err != nil {
		t.Errorf("ref file missing: %v", err)
	}

	// Leftover temp files from a crashed writer are ignored.
	if err := os.WriteFile(filepath.Join(repoDir, "objects", ".tmp-123"), []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}
	it, err := p.ScanAllObjects(ctx)
	if err != nil {
		t.Fatalf("ScanAllObjects: %v", err)
	}
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("scanned %d objects, want 1", n)
	}
}

func TestReopenSeesData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := persist.Config{RepositoryID: "r"}

	b1, _ := Open(dir)
	p1, err := b1.CreatePersist(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c1 := persist.HashObjID([]byte("c1"))
	if _, err := p1.AddReference(ctx, persist.Reference{Name: "refs/heads/main", Pointer: c1}); err != nil {
		t.Fatal(err)
	}

	b2, _ := Open(dir)
	p2, err := b2.CreatePersist(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := p2.FetchReference(ctx, "refs/heads/main")
	if err != nil {
		t.Fatalf("FetchReference: %v", err)
	}
	if ref == nil || ref.Pointer != c1 {
		t.Fatalf("ref = %v, want pointer %s", ref, c1)
	}
}

func TestLongReferenceName(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p, err := b.CreatePersist(persist.Config{RepositoryID: "main"})
	if err != nil {
		t.Fatalf("CreatePersist: %v", err)
	}
	ctx := context.Background()

	long := "refs/heads/" + strings.Repeat("feature-", 40)
	if _, err := p.AddReference(ctx, persist.Reference{Name: long, Pointer: persist.EmptyObjID}); err != nil {
		t.Fatalf("AddReference: %v", err)
	}
	if _, err := p.AddReference(ctx, persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID}); err != nil {
		t.Fatalf("AddReference: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "repo-"+encodeName("main"), "refs"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if len(e.Name()) > maxFileName {
			t.Errorf("file name is %d bytes: %s", len(e.Name()), e.Name())
		}
	}

	ref, err := p.FetchReference(ctx, long)
	if err != nil || ref == nil {
		t.Fatalf("FetchReference = %v, %v", ref, err)
	}
	if ref.Name != long {
		t.Fatalf("name = %q", ref.Name)
	}

	refs, err := p.ListReferences(ctx, "refs/heads/feature-")
	if err != nil {
		t.Fatalf("ListReferences: %v", err)
	}
	if len(refs) != 1 || refs[0].Name != long {
		t.Fatalf("listed %v", refs)
	}
	all, err := p.ListReferences(ctx, "")
	if err != nil {
		t.Fatalf("ListReferences: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("listed %d refs, want 2", len(all))
	}
}
