// Package persist defines the object and reference store shared by every
// storage backend: the Obj model, the byte codec that derives object ids,
// the error taxonomy and the Persist contract.
//
// Objects are immutable and content-addressed. References are the only
// mutable state and change exclusively through compare-and-swap on the
// persisted (pointer, deleted) tuple. Each backend decides how that CAS is
// made atomic; see the package documentation of the individual backends.
package persist

import (
	"context"
	"math"

	"github.com/systemshift/memex-vstore/internal/clock"
)

// Default index size limits, in serialized bytes.
const (
	DefaultIncrementalIndexSizeLimit = 50 * 1024
	DefaultIndexSegmentSizeLimit     = 50 * 1024
)

// Config is the per-repository configuration every backend carries.
type Config struct {
	// RepositoryID scopes every key the backend writes. Two Persist
	// values with different ids never observe each other's data.
	RepositoryID string

	IncrementalIndexSizeLimit int
	IndexSegmentSizeLimit     int

	Clock clock.Clock
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.IncrementalIndexSizeLimit <= 0 {
		c.IncrementalIndexSizeLimit = DefaultIncrementalIndexSizeLimit
	}
	if c.IndexSegmentSizeLimit <= 0 {
		c.IndexSegmentSizeLimit = DefaultIndexSegmentSizeLimit
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Limits returns the index size limits to serialize with. Soft limits are
// lifted entirely when ignoreSoft is set, which import uses to replay
// objects produced under a different configuration.
func (c Config) Limits(ignoreSoft bool) (incremental, segment int) {
	if ignoreSoft {
		return math.MaxInt, math.MaxInt
	}
	return c.IncrementalIndexSizeLimit, c.IndexSegmentSizeLimit
}

// Persist is the object and reference store of one repository.
//
// Absent objects are errors (*ObjNotFoundError); absent references are
// not (nil, nil). Reference mutations take the caller's view of the
// reference and fail with *RefConditionFailedError when the persisted
// (pointer, deleted) tuple differs from it.
type Persist interface {
	Name() string
	Config() Config

	FetchReference(ctx context.Context, name string) (*Reference, error)
	// FetchReferences resolves names positionally. Empty names and absent
	// references yield nil slots.
	FetchReferences(ctx context.Context, names []string) ([]*Reference, error)
	// ListReferences returns every reference, tombstoned ones included,
	// whose name starts with prefix, sorted by name.
	ListReferences(ctx context.Context, prefix string) ([]Reference, error)

	AddReference(ctx context.Context, ref Reference) (Reference, error)
	UpdateReferencePointer(ctx context.Context, ref Reference, newPointer ObjID) (Reference, error)
	MarkReferenceAsDeleted(ctx context.Context, ref Reference) (Reference, error)
	PurgeReference(ctx context.Context, ref Reference) error

	FetchObj(ctx context.Context, id ObjID) (Obj, error)
	FetchObjType(ctx context.Context, id ObjID) (ObjType, error)
	FetchTypedObj(ctx context.Context, id ObjID, typ ObjType) (Obj, error)
	// FetchObjs resolves ids positionally. Zero ids yield nil slots; every
	// other unresolved id is reported in a single *ObjNotFoundError.
	FetchObjs(ctx context.Context, ids []ObjID) ([]Obj, error)

	// StoreObj inserts obj unless an object with its id already exists and
	// reports whether it was inserted.
	StoreObj(ctx context.Context, obj Obj, ignoreSoftSizeRestrictions bool) (bool, error)
	StoreObjs(ctx context.Context, objs []Obj) ([]bool, error)
	UpsertObj(ctx context.Context, obj Obj) error
	UpsertObjs(ctx context.Context, objs []Obj) error
	// DeleteObj removes obj. Deleting an absent object is not an error.
	DeleteObj(ctx context.Context, id ObjID) error
	DeleteObjs(ctx context.Context, ids []ObjID) error

	// Erase removes every object and reference of the repository.
	Erase(ctx context.Context) error

	// ScanAllObjects iterates every object of the given types, or of all
	// types when none are given. The iterator must be closed.
	ScanAllObjects(ctx context.Context, types ...ObjType) (ObjIterator, error)
}

// ObjIterator is a lazy, closable sequence of objects.
type ObjIterator interface {
	Next() bool
	Obj() Obj
	Err() error
	Close() error
}
