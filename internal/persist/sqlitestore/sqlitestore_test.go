package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/systemshift/memex-vstore/internal/persist"
	"github.com/systemshift/memex-vstore/internal/persist/persisttest"
)

func openTestBackend(t *testing.T, path string) *Backend {
	t.Helper()
	b, err := Open(Options{Path: path, PoolSize: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestContract(t *testing.T) {
	b := openTestBackend(t, filepath.Join(t.TempDir(), "store.db"))
	persisttest.Run(t, func(t *testing.T, cfg persist.Config) persist.Persist {
		return b.CreatePersist(cfg)
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// Two independent pools on one file stand in for two processes: neither
// shares locks with the other, only the database.
func TestCAS_AcrossBackends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	b1 := openTestBackend(t, path)
	b2 := openTestBackend(t, path)
	ctx := context.Background()
	cfg := persist.Config{RepositoryID: "shared"}

	p1 := b1.CreatePersist(cfg)
	p2 := b2.CreatePersist(cfg)
	ref, err := p1.AddReference(ctx, persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID})
	if err != nil {
		t.Fatalf("AddReference: %v", err)
	}

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := p1
			if i%2 == 1 {
				p = p2
			}
			_, err := p.UpdateReferencePointer(ctx, ref, persist.HashObjID([]byte{byte(i)}))
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, persist.ErrConditionFailed):
			default:
				t.Errorf("UpdateReferencePointer: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if n := winners.Load(); n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}
}
