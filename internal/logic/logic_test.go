package logic

import (
	"context"
	"testing"
	"time"

	"github.com/systemshift/memex-vstore/internal/clock"
	"github.com/systemshift/memex-vstore/internal/persist"
	"github.com/systemshift/memex-vstore/internal/persist/memstore"
)

type fixture struct {
	p       persist.Persist
	commits *CommitLogic
	refs    *ReferenceLogic
	seq     *RepositorySequence
}

func newFixture(t *testing.T, incremental, segment int) *fixture {
	t.Helper()
	p := memstore.New().CreatePersist(persist.Config{
		RepositoryID:              t.Name(),
		IncrementalIndexSizeLimit: incremental,
		IndexSegmentSizeLimit:     segment,
		Clock:                     clock.Fake(time.Unix(1_700_000_000, 0)).Step(time.Millisecond),
	})
	seq := NewRepositorySequence(0)
	return &fixture{
		p:       p,
		commits: NewCommitLogic(p, seq, nil),
		refs:    NewReferenceLogic(p),
		seq:     seq,
	}
}

func (f *fixture) commit(t *testing.T, parent persist.ObjID, ops ...Operation) *persist.CommitObj {
	t.Helper()
	b := f.commits.NewCommit(parent).Message("test")
	if err := b.Apply(ops...); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	c, err := b.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return c
}

func (f *fixture) value(t *testing.T, contentID, data string) persist.ObjID {
	t.Helper()
	cv, err := f.commits.StoreContentValue(context.Background(), contentID, 1, []byte(data))
	if err != nil {
		t.Fatalf("StoreContentValue: %v", err)
	}
	return cv.ID()
}

func key(s string) persist.StoreKey { return persist.ParseStoreKey(s) }
