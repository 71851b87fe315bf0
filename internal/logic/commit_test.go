package logic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/systemshift/memex-vstore/internal/persist"
)

func conflictTypes(t *testing.T, err error) []ConflictType {
	t.Helper()
	var ce *CommitConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CommitConflictError, got %v", err)
	}
	if !IsConflict(err) {
		t.Fatal("IsConflict = false for a commit conflict")
	}
	types := make([]ConflictType, len(ce.Conflicts))
	for i, c := range ce.Conflicts {
		types[i] = c.Type
	}
	return types
}

func TestCommit_RootAndChild(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	v1 := f.value(t, "t1", "v1")

	c1 := f.commit(t, persist.EmptyObjID, Add(key("ns/t1"), v1, "t1", 1))
	if !c1.IsRoot() || c1.Seq != 1 || c1.Message != "test" {
		t.Fatalf("root commit = %+v", c1)
	}

	c2 := f.commit(t, c1.ID(), Add(key("ns/t2"), v1, "t2", 1))
	if c2.Parent != c1.ID() || c2.Seq <= c1.Seq {
		t.Fatalf("child commit parent=%s seq=%d", c2.Parent, c2.Seq)
	}
	if c2.Created <= c1.Created {
		t.Fatalf("created not increasing: %d then %d", c1.Created, c2.Created)
	}

	got, err := f.commits.FetchCommit(ctx, c2.ID())
	if err != nil {
		t.Fatalf("FetchCommit: %v", err)
	}
	if got.ID() != c2.ID() {
		t.Fatalf("FetchCommit id = %s, want %s", got.ID(), c2.ID())
	}

	log, err := f.commits.CommitLog(ctx, c2.ID(), 0)
	if err != nil {
		t.Fatalf("CommitLog: %v", err)
	}
	if len(log) != 2 || log[0].ID() != c2.ID() || log[1].ID() != c1.ID() {
		t.Fatalf("CommitLog returned %d commits", len(log))
	}
	if log, _ := f.commits.CommitLog(ctx, c2.ID(), 1); len(log) != 1 {
		t.Fatalf("CommitLog(n=1) returned %d", len(log))
	}

	contents, err := f.commits.Contents(ctx, c2.ID())
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(contents) != 2 || contents[0].Key.String() != "ns/t1" || contents[1].Key.String() != "ns/t2" {
		t.Fatalf("Contents = %+v", contents)
	}
}

func TestCommit_FetchCommits(t *testing.T) {
	f := newFixture(t, 0, 0)
	v := f.value(t, "t", "v")
	c := f.commit(t, persist.EmptyObjID, Add(key("t"), v, "t", 1))

	got, err := f.commits.FetchCommits(context.Background(), []persist.ObjID{c.ID(), persist.EmptyObjID})
	if err != nil {
		t.Fatalf("FetchCommits: %v", err)
	}
	if got[0] == nil || got[0].ID() != c.ID() || got[1] != nil {
		t.Fatalf("FetchCommits = %v", got)
	}

	_, err = f.commits.FetchCommits(context.Background(), []persist.ObjID{v})
	if !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("content value as commit: want ErrNotFound, got %v", err)
	}
}

// Two writers build on the same head; the loser sees both the commit
// conflict and the reference condition failure.
func TestCommit_ConcurrentWriterScenario(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	main := BranchRef("main")
	if _, err := f.refs.CreateReference(ctx, main, persist.EmptyObjID); err != nil {
		t.Fatalf("CreateReference: %v", err)
	}

	v1 := f.value(t, "tbl", "v1")
	c1 := f.commit(t, persist.EmptyObjID, Add(key("ns/tbl"), v1, "tbl", 1))
	if _, err := f.refs.AssignReference(ctx, main, persist.EmptyObjID, c1.ID()); err != nil {
		t.Fatalf("AssignReference: %v", err)
	}

	v2 := f.value(t, "tbl", "v2")
	c2 := f.commit(t, c1.ID(), Add(key("ns/tbl"), v2, "tbl", 1).Expecting(v1))
	if _, err := f.refs.AssignReference(ctx, main, c1.ID(), c2.ID()); err != nil {
		t.Fatalf("AssignReference: %v", err)
	}

	// Stale writer rebuilt on the current head but still expects v1.
	v3 := f.value(t, "tbl", "v3")
	b := f.commits.NewCommit(c2.ID())
	if err := b.Apply(Add(key("ns/tbl"), v3, "tbl", 1).Expecting(v1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	_, err := b.Commit(ctx)
	if types := conflictTypes(t, err); len(types) != 1 || types[0] != ConflictValueDiffers {
		t.Fatalf("conflicts = %v", types)
	}

	// Stale writer that committed on the old head loses the ref CAS.
	c3 := f.commit(t, c1.ID(), Add(key("ns/tbl"), v3, "tbl", 1).Expecting(v1))
	_, err = f.refs.AssignReference(ctx, main, c1.ID(), c3.ID())
	var cf *persist.RefConditionFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("want RefConditionFailedError, got %v", err)
	}
	if cf.Actual.Pointer != c2.ID() {
		t.Fatalf("actual pointer = %s, want %s", cf.Actual.Pointer, c2.ID())
	}

	head, err := f.refs.GetReference(ctx, main)
	if err != nil {
		t.Fatalf("GetReference: %v", err)
	}
	e, err := f.commits.ValueAt(ctx, head.Pointer, key("ns/tbl"))
	if err != nil || e == nil || e.Value != v2 {
		t.Fatalf("ValueAt head = %+v, %v", e, err)
	}
}

func TestCommit_Conflicts(t *testing.T) {
	f := newFixture(t, 0, 0)
	v1 := f.value(t, "a", "v1")
	v2 := f.value(t, "a", "v2")
	base := f.commit(t, persist.EmptyObjID, Add(key("a"), v1, "a", 1))

	tests := []struct {
		name string
		op   Operation
		want ConflictType
	}{
		{"add existing", Add(key("a"), v2, "a", 1), ConflictKeyExists},
		{"expected differs", Add(key("a"), v2, "a", 1).Expecting(v2), ConflictValueDiffers},
		{"expected on missing", Add(key("b"), v2, "b", 1).Expecting(v1), ConflictKeyMissing},
		{"remove missing", Remove(key("b"), ""), ConflictKeyMissing},
		{"remove expected differs", Remove(key("a"), "").Expecting(v2), ConflictValueDiffers},
		{"content id differs", Add(key("a"), v2, "other", 1).Expecting(v1), ConflictContentIDDiffers},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := f.commits.NewCommit(base.ID())
			if err := b.Apply(tc.op); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			_, err := b.Commit(context.Background())
			types := conflictTypes(t, err)
			if len(types) != 1 || types[0] != tc.want {
				t.Fatalf("conflicts = %v, want [%s]", types, tc.want)
			}
		})
	}
}

func TestCommit_AllConflictsReported(t *testing.T) {
	f := newFixture(t, 0, 0)
	v := f.value(t, "a", "v")
	base := f.commit(t, persist.EmptyObjID, Add(key("a"), v, "a", 1))

	b := f.commits.NewCommit(base.ID())
	err := b.Apply(
		Add(key("a"), v, "a", 1),
		Remove(key("x"), ""),
		Add(key("y"), v, "y", 1),
	)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	_, err = b.Commit(context.Background())
	types := conflictTypes(t, err)
	if len(types) != 2 || types[0] != ConflictKeyExists || types[1] != ConflictKeyMissing {
		t.Fatalf("conflicts = %v", types)
	}
	if !strings.Contains(err.Error(), "KEY_EXISTS on a") {
		t.Fatalf("error message = %q", err)
	}
}

func TestCommit_DuplicateKey(t *testing.T) {
	f := newFixture(t, 0, 0)
	v := f.value(t, "a", "v")
	b := f.commits.NewCommit(persist.EmptyObjID)
	err := b.Apply(Add(key("ns/a"), v, "a", 1), Remove(key("ns/a"), ""))
	if !errors.Is(err, persist.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestCommit_InvalidUTF8(t *testing.T) {
	f := newFixture(t, 0, 0)
	v := f.value(t, "a", "v")
	ctx := context.Background()

	for _, op := range []Operation{
		Add(persist.StoreKey{"ns", "tbl\xff"}, v, "a", 1),
		Add(key("ns/a"), v, "cid\xfe", 1),
		Remove(persist.StoreKey{"\xc3"}, ""),
	} {
		b := f.commits.NewCommit(persist.EmptyObjID)
		if err := b.Apply(op); !errors.Is(err, persist.ErrInvalidArgument) {
			t.Errorf("Apply(%q): want ErrInvalidArgument, got %v", op.Key, err)
		}
	}

	b := f.commits.NewCommit(persist.EmptyObjID).Message("bad\xff")
	if err := b.Apply(Add(key("ns/a"), v, "a", 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := b.Commit(ctx); !errors.Is(err, persist.ErrInvalidArgument) {
		t.Fatalf("Commit with invalid message: want ErrInvalidArgument, got %v", err)
	}

	b = f.commits.NewCommit(persist.EmptyObjID).Header("author", "\xff")
	if err := b.Apply(Add(key("ns/a"), v, "a", 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := b.Commit(ctx); !errors.Is(err, persist.ErrInvalidArgument) {
		t.Fatalf("Commit with invalid header: want ErrInvalidArgument, got %v", err)
	}

	// Valid non-ASCII text stores and reads back.
	c := f.commit(t, persist.EmptyObjID, Add(persist.StoreKey{"ns", "tbl-日本"}, v, "a", 1))
	got, err := f.commits.FetchCommit(ctx, c.ID())
	if err != nil {
		t.Fatalf("FetchCommit: %v", err)
	}
	entry, err := f.commits.ValueAt(ctx, got.ID(), persist.StoreKey{"ns", "tbl-日本"})
	if err != nil || entry == nil || entry.Value != v {
		t.Fatalf("ValueAt = %+v, %v", entry, err)
	}
}

func TestCommit_BuilderIsSingleUse(t *testing.T) {
	f := newFixture(t, 0, 0)
	v := f.value(t, "a", "v")
	ctx := context.Background()

	b := f.commits.NewCommit(persist.EmptyObjID)
	if err := b.Apply(Add(key("a"), v, "a", 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := b.Commit(ctx); !errors.Is(err, ErrBuilderConsumed) {
		t.Fatalf("second Commit: want ErrBuilderConsumed, got %v", err)
	}
	if err := b.Apply(Add(key("b"), v, "b", 1)); !errors.Is(err, ErrBuilderConsumed) {
		t.Fatalf("Apply after Commit: want ErrBuilderConsumed, got %v", err)
	}

	// A failed commit consumes the builder too.
	failed := f.commits.NewCommit(persist.EmptyObjID)
	if err := failed.Apply(Remove(key("missing"), "")); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := failed.Commit(ctx); !IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
	if _, err := failed.Commit(ctx); !errors.Is(err, ErrBuilderConsumed) {
		t.Fatalf("retry: want ErrBuilderConsumed, got %v", err)
	}
}

func TestCommit_RemoveShadowsParent(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	v := f.value(t, "a", "v")
	c1 := f.commit(t, persist.EmptyObjID, Add(key("a"), v, "a", 7), Add(key("b"), v, "b", 1))
	c2 := f.commit(t, c1.ID(), Remove(key("a"), "").Expecting(v))

	if e, err := f.commits.ValueAt(ctx, c2.ID(), key("a")); err != nil || e != nil {
		t.Fatalf("ValueAt after remove = %+v, %v", e, err)
	}
	if e, err := f.commits.ValueAt(ctx, c1.ID(), key("a")); err != nil || e == nil || e.Payload != 7 {
		t.Fatalf("ValueAt parent = %+v, %v", e, err)
	}

	removed, ok := persist.FindIndexEntry(c2.Index, key("a"))
	if !ok || removed.Action != persist.ActionRemove || removed.ContentID != "a" || removed.Payload != 7 {
		t.Fatalf("remove entry = %+v", removed)
	}

	contents, err := f.commits.Contents(ctx, c2.ID())
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(contents) != 1 || contents[0].Key.String() != "b" {
		t.Fatalf("Contents = %+v", contents)
	}

	// Re-adding after a remove is an add on a missing key.
	c3 := f.commit(t, c2.ID(), Add(key("a"), v, "a", 1))
	if e, _ := f.commits.ValueAt(ctx, c3.ID(), key("a")); e == nil {
		t.Fatal("re-added key not visible")
	}
}

func TestCommit_SpillsIntoSegments(t *testing.T) {
	const limit = 256
	f := newFixture(t, limit, limit)
	ctx := context.Background()
	v := f.value(t, "x", "v")

	var ops []Operation
	for i := range 40 {
		ops = append(ops, Add(key(fmt.Sprintf("ns/table-%03d", i)), v, fmt.Sprintf("c%03d", i), 1))
	}
	c := f.commit(t, persist.EmptyObjID, ops...)
	if len(c.Stripes) == 0 {
		t.Fatal("expected the index to spill")
	}
	if size, _ := persist.EncodedIndexSize(c.Index); size > limit {
		t.Fatalf("inline index %d bytes exceeds %d", size, limit)
	}
	for _, s := range c.Stripes {
		seg, err := f.commits.fetchSegment(ctx, s.Segment)
		if err != nil {
			t.Fatalf("fetch segment: %v", err)
		}
		if size, _ := persist.EncodedIndexSize(seg.Entries); size > limit {
			t.Fatalf("segment %d bytes exceeds %d", size, limit)
		}
		if seg.Entries[0].Key.Compare(s.FirstKey) != 0 || seg.Entries[len(seg.Entries)-1].Key.Compare(s.LastKey) != 0 {
			t.Fatalf("stripe bounds %s..%s do not match segment", s.FirstKey, s.LastKey)
		}
	}

	for _, op := range ops {
		e, err := f.commits.ValueAt(ctx, c.ID(), op.Key)
		if err != nil || e == nil || e.ContentID != op.ContentID {
			t.Fatalf("ValueAt(%s) = %+v, %v", op.Key, e, err)
		}
	}

	// Update a key that lives in a segment.
	last := ops[len(ops)-1]
	v2 := f.value(t, "x", "v2")
	c2 := f.commit(t, c.ID(), Add(last.Key, v2, last.ContentID, 1).Expecting(v))
	if e, _ := f.commits.ValueAt(ctx, c2.ID(), last.Key); e == nil || e.Value != v2 {
		t.Fatalf("ValueAt after update = %+v", e)
	}
	contents, err := f.commits.Contents(ctx, c2.ID())
	if err != nil || len(contents) != len(ops) {
		t.Fatalf("Contents = %d entries, %v", len(contents), err)
	}
}

func TestCommit_EntryLargerThanSegment(t *testing.T) {
	f := newFixture(t, 64, 64)
	v := f.value(t, "x", "v")
	b := f.commits.NewCommit(persist.EmptyObjID)
	if err := b.Apply(Add(key(strings.Repeat("k", 200)), v, "x", 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := b.Commit(context.Background()); !errors.Is(err, persist.ErrTooLarge) {
		t.Fatalf("want ErrTooLarge, got %v", err)
	}
}
