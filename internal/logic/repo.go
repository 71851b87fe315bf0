package logic

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/systemshift/memex-vstore/internal/clock"
	"github.com/systemshift/memex-vstore/internal/codec"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// DescriptionID is the fixed id the repository description is upserted
// under. It is the hash of a constant, so no content can collide with it
// by accident.
var DescriptionID = persist.HashObjID([]byte("memex-vstore:repository-description"))

const descriptionContentType = "application/cbor"

// Description property keys written by this module.
const (
	PropImportedAt     = "imported-at"
	PropImportBundleID = "import-bundle-id"
	PropImportedFrom   = "imported-from"
)

// RepositoryDescription is the mutable record describing a repository.
type RepositoryDescription struct {
	DefaultBranch string            `cbor:"b" json:"default_branch"`
	CreatedAt     int64             `cbor:"c" json:"created_at"`
	UpdatedAt     int64             `cbor:"u" json:"updated_at"`
	Properties    map[string]string `cbor:"p" json:"properties,omitempty"`
}

// FetchRepositoryDescription returns the description, or nil if the
// repository was never initialized.
func FetchRepositoryDescription(ctx context.Context, p persist.Persist) (*RepositoryDescription, error) {
	obj, err := p.FetchTypedObj(ctx, DescriptionID, persist.ObjString)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := obj.(*persist.StringObj)
	if s.ContentType != descriptionContentType {
		return nil, fmt.Errorf("repository description has content type %q", s.ContentType)
	}
	var desc RepositoryDescription
	if err := codec.Unmarshal(s.Data, &desc); err != nil {
		return nil, fmt.Errorf("decode repository description: %w", err)
	}
	return &desc, nil
}

// UpdateRepositoryDescription applies fn to the current description (a
// zero value if none exists) and upserts the result.
func UpdateRepositoryDescription(ctx context.Context, p persist.Persist, fn func(*RepositoryDescription)) (*RepositoryDescription, error) {
	desc, err := FetchRepositoryDescription(ctx, p)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		desc = &RepositoryDescription{}
	}
	desc.Properties = maps.Clone(desc.Properties)
	fn(desc)
	desc.UpdatedAt = clockOf(p).Now().UnixMicro()
	if desc.CreatedAt == 0 {
		desc.CreatedAt = desc.UpdatedAt
	}
	if err := storeDescription(ctx, p, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func storeDescription(ctx context.Context, p persist.Persist, desc *RepositoryDescription) error {
	data, err := codec.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode repository description: %w", err)
	}
	obj, err := persist.NewString(DescriptionID, descriptionContentType, data)
	if err != nil {
		return err
	}
	return p.UpsertObj(ctx, obj)
}

// InitializeRepository writes the description and creates the default
// branch at EmptyObjID. Calling it on an initialized repository changes
// nothing and returns the existing description.
func InitializeRepository(ctx context.Context, p persist.Persist, defaultBranch string) (*RepositoryDescription, error) {
	name := BranchRef(defaultBranch)
	if err := validRefName(name); err != nil {
		return nil, err
	}
	desc, err := FetchRepositoryDescription(ctx, p)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		desc, err = UpdateRepositoryDescription(ctx, p, func(d *RepositoryDescription) {
			d.DefaultBranch = name
		})
		if err != nil {
			return nil, err
		}
	}
	_, err = NewReferenceLogic(p).CreateReference(ctx, desc.DefaultBranch, persist.EmptyObjID)
	if err != nil && !errors.Is(err, persist.ErrAlreadyExists) {
		return nil, fmt.Errorf("create default branch: %w", err)
	}
	return desc, nil
}

func clockOf(p persist.Persist) clock.Clock {
	if clk := p.Config().Clock; clk != nil {
		return clk
	}
	return clock.Real()
}
