package logic

import (
	"context"
	"errors"
	"testing"

	"github.com/systemshift/memex-vstore/internal/persist"
)

func TestRefNames(t *testing.T) {
	tests := []struct {
		in, branch, tag, short string
	}{
		{"main", "refs/heads/main", "refs/tags/main", "main"},
		{"feature/x", "refs/heads/feature/x", "refs/tags/feature/x", "feature/x"},
		{"refs/heads/dev", "refs/heads/dev", "refs/heads/dev", "dev"},
	}
	for _, tc := range tests {
		if got := BranchRef(tc.in); got != tc.branch {
			t.Errorf("BranchRef(%q) = %q, want %q", tc.in, got, tc.branch)
		}
		if got := TagRef(tc.in); got != tc.tag {
			t.Errorf("TagRef(%q) = %q, want %q", tc.in, got, tc.tag)
		}
		if got := ShortRefName(BranchRef(tc.in)); got != tc.short {
			t.Errorf("ShortRefName(%q) = %q, want %q", BranchRef(tc.in), got, tc.short)
		}
	}
}

func TestCreateReference_Validation(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	for _, name := range []string{"main", "refs/other/x", "refs/heads/", "refs/tags/"} {
		if _, err := f.refs.CreateReference(ctx, name, persist.EmptyObjID); !errors.Is(err, persist.ErrInvalidArgument) {
			t.Errorf("CreateReference(%q): want ErrInvalidArgument, got %v", name, err)
		}
	}

	// Pointers must resolve to commits.
	v := f.value(t, "a", "v")
	if _, err := f.refs.CreateReference(ctx, BranchRef("x"), v); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("pointer at content value: want ErrNotFound, got %v", err)
	}
	if _, err := f.refs.CreateReference(ctx, BranchRef("x"), persist.HashObjID([]byte("nothing"))); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("dangling pointer: want ErrNotFound, got %v", err)
	}

	ref, err := f.refs.CreateReference(ctx, TagRef("v1"), persist.EmptyObjID)
	if err != nil {
		t.Fatalf("CreateReference: %v", err)
	}
	if ref.CreatedAt == 0 || ref.Deleted {
		t.Fatalf("created reference = %+v", ref)
	}
	if _, err := f.refs.CreateReference(ctx, TagRef("v1"), persist.EmptyObjID); !errors.Is(err, persist.ErrAlreadyExists) {
		t.Fatalf("duplicate: want ErrAlreadyExists, got %v", err)
	}
}

func TestGetReference_HidesTombstones(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	name := BranchRef("main")

	if _, err := f.refs.GetReference(ctx, name); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("absent: want ErrNotFound, got %v", err)
	}
	ref, err := f.refs.CreateReference(ctx, name, persist.EmptyObjID)
	if err != nil {
		t.Fatalf("CreateReference: %v", err)
	}
	if _, err := f.p.MarkReferenceAsDeleted(ctx, ref); err != nil {
		t.Fatalf("MarkReferenceAsDeleted: %v", err)
	}
	if _, err := f.refs.GetReference(ctx, name); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("tombstoned: want ErrNotFound, got %v", err)
	}
	live, err := f.refs.ListReferences(ctx, "refs/")
	if err != nil || len(live) != 0 {
		t.Fatalf("ListReferences = %v, %v", live, err)
	}
}

func TestDeleteReference(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	v := f.value(t, "a", "v")
	c := f.commit(t, persist.EmptyObjID, Add(key("a"), v, "a", 1))

	name := BranchRef("gone")
	if _, err := f.refs.CreateReference(ctx, name, c.ID()); err != nil {
		t.Fatalf("CreateReference: %v", err)
	}
	if err := f.refs.DeleteReference(ctx, name, persist.EmptyObjID); !errors.Is(err, persist.ErrConditionFailed) {
		t.Fatalf("wrong expected pointer: want ErrConditionFailed, got %v", err)
	}
	if err := f.refs.DeleteReference(ctx, name, c.ID()); err != nil {
		t.Fatalf("DeleteReference: %v", err)
	}
	if ref, err := f.p.FetchReference(ctx, name); err != nil || ref != nil {
		t.Fatalf("after delete: %v, %v", ref, err)
	}
}

func TestDeleteReference_RecoversTombstone(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	name := BranchRef("half")
	ref, err := f.refs.CreateReference(ctx, name, persist.EmptyObjID)
	if err != nil {
		t.Fatalf("CreateReference: %v", err)
	}
	// Simulate a delete interrupted between mark and purge.
	if _, err := f.p.MarkReferenceAsDeleted(ctx, ref); err != nil {
		t.Fatalf("MarkReferenceAsDeleted: %v", err)
	}

	if err := f.refs.DeleteReference(ctx, name, persist.EmptyObjID); err != nil {
		t.Fatalf("DeleteReference: %v", err)
	}
	if got, _ := f.p.FetchReference(ctx, name); got != nil {
		t.Fatalf("tombstone not purged: %v", got)
	}
}

func TestAssignReference(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()
	v := f.value(t, "a", "v")
	c := f.commit(t, persist.EmptyObjID, Add(key("a"), v, "a", 1))
	name := BranchRef("main")
	if _, err := f.refs.CreateReference(ctx, name, persist.EmptyObjID); err != nil {
		t.Fatalf("CreateReference: %v", err)
	}

	if _, err := f.refs.AssignReference(ctx, name, persist.EmptyObjID, v); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("assign to non-commit: want ErrNotFound, got %v", err)
	}
	if _, err := f.refs.AssignReference(ctx, BranchRef("missing"), persist.EmptyObjID, c.ID()); !errors.Is(err, persist.ErrNotFound) {
		t.Fatalf("assign missing ref: want ErrNotFound, got %v", err)
	}
	ref, err := f.refs.AssignReference(ctx, name, persist.EmptyObjID, c.ID())
	if err != nil {
		t.Fatalf("AssignReference: %v", err)
	}
	if ref.Pointer != c.ID() {
		t.Fatalf("pointer = %s, want %s", ref.Pointer, c.ID())
	}
}
