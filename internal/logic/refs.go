package logic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/systemshift/memex-vstore/internal/clock"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// Reference name prefixes.
const (
	BranchPrefix = "refs/heads/"
	TagPrefix    = "refs/tags/"
)

// BranchRef qualifies a branch name. Already qualified names pass through.
func BranchRef(name string) string { return qualify(BranchPrefix, name) }

// TagRef qualifies a tag name. Already qualified names pass through.
func TagRef(name string) string { return qualify(TagPrefix, name) }

func qualify(prefix, name string) string {
	if strings.HasPrefix(name, "refs/") {
		return name
	}
	return prefix + name
}

// ShortRefName strips the branch or tag prefix.
func ShortRefName(name string) string {
	if s, ok := strings.CutPrefix(name, BranchPrefix); ok {
		return s
	}
	if s, ok := strings.CutPrefix(name, TagPrefix); ok {
		return s
	}
	return name
}

// ReferenceLogic is the named-reference API over a Persist. It adds no
// locking; every mutation is a single compare-and-swap in the backend.
type ReferenceLogic struct {
	p     persist.Persist
	clock clock.Clock
}

func NewReferenceLogic(p persist.Persist) *ReferenceLogic {
	return &ReferenceLogic{p: p, clock: clockOf(p)}
}

func validRefName(name string) error {
	if !strings.HasPrefix(name, BranchPrefix) && !strings.HasPrefix(name, TagPrefix) {
		return fmt.Errorf("reference %q: must start with %s or %s: %w",
			name, BranchPrefix, TagPrefix, persist.ErrInvalidArgument)
	}
	if ShortRefName(name) == "" {
		return fmt.Errorf("reference %q: empty name: %w", name, persist.ErrInvalidArgument)
	}
	return nil
}

// checkTarget requires pointer to be EmptyObjID or a stored commit.
func (r *ReferenceLogic) checkTarget(ctx context.Context, pointer persist.ObjID) error {
	if pointer == persist.EmptyObjID {
		return nil
	}
	if pointer.IsZero() {
		return fmt.Errorf("zero pointer: %w", persist.ErrInvalidArgument)
	}
	_, err := r.p.FetchTypedObj(ctx, pointer, persist.ObjCommit)
	return err
}

// CreateReference creates name pointing at pointer.
func (r *ReferenceLogic) CreateReference(ctx context.Context, name string, pointer persist.ObjID) (persist.Reference, error) {
	if err := validRefName(name); err != nil {
		return persist.Reference{}, err
	}
	if err := r.checkTarget(ctx, pointer); err != nil {
		return persist.Reference{}, err
	}
	return r.p.AddReference(ctx, persist.Reference{
		Name:      name,
		Pointer:   pointer,
		CreatedAt: r.clock.Now().UnixMicro(),
	})
}

// GetReference returns the live reference name.
func (r *ReferenceLogic) GetReference(ctx context.Context, name string) (persist.Reference, error) {
	ref, err := r.p.FetchReference(ctx, name)
	if err != nil {
		return persist.Reference{}, err
	}
	if ref == nil || ref.Deleted {
		return persist.Reference{}, &persist.RefNotFoundError{Name: name}
	}
	return *ref, nil
}

// AssignReference moves name from expected to pointer.
func (r *ReferenceLogic) AssignReference(ctx context.Context, name string, expected, pointer persist.ObjID) (persist.Reference, error) {
	if err := r.checkTarget(ctx, pointer); err != nil {
		return persist.Reference{}, err
	}
	return r.p.UpdateReferencePointer(ctx, persist.Reference{Name: name, Pointer: expected}, pointer)
}

// DeleteReference tombstones name and then purges it. A reference left
// tombstoned by an interrupted delete at the expected pointer is purged.
func (r *ReferenceLogic) DeleteReference(ctx context.Context, name string, expected persist.ObjID) error {
	ref := persist.Reference{Name: name, Pointer: expected}
	marked, err := r.p.MarkReferenceAsDeleted(ctx, ref)
	if err != nil {
		var cf *persist.RefConditionFailedError
		if !errors.As(err, &cf) || !cf.Actual.Matches(expected, true) {
			return err
		}
		marked = cf.Actual
	}
	return r.p.PurgeReference(ctx, marked)
}

// ListReferences returns the live references under prefix, sorted by name.
func (r *ReferenceLogic) ListReferences(ctx context.Context, prefix string) ([]persist.Reference, error) {
	all, err := r.p.ListReferences(ctx, prefix)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, ref := range all {
		if !ref.Deleted {
			live = append(live, ref)
		}
	}
	return live, nil
}
