// Package persisttest is the behavioral contract every backend must pass.
// Backend packages call Run from their own tests.
package persisttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/memex-vstore/internal/clock"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// Factory returns a Persist for cfg. Persists created by one Factory for
// different repository ids must share the same underlying storage, so
// that repository scoping is observable.
type Factory func(t *testing.T, cfg persist.Config) persist.Persist

// Limits used by the suite, small enough to trip with a handful of entries.
const (
	IncrementalLimit = 1024
	SegmentLimit     = 1024
)

var repoSeq atomic.Int64

// NewConfig returns a config with a repository id unique to this process.
func NewConfig() persist.Config {
	return persist.Config{
		RepositoryID:              fmt.Sprintf("repo-%d", repoSeq.Add(1)),
		IncrementalIndexSizeLimit: IncrementalLimit,
		IndexSegmentSizeLimit:     SegmentLimit,
		Clock:                     clock.Fake(time.Unix(1_700_000_000, 0)).Step(time.Millisecond),
	}
}

// Run executes the contract suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, persist.Persist)
	}{
		{"ReferencesAbsent", testReferencesAbsent},
		{"AddReference", testAddReference},
		{"UpdateReferencePointer", testUpdateReferencePointer},
		{"DeleteLifecycle", testDeleteLifecycle},
		{"ListReferences", testListReferences},
		{"StoreAndFetch", testStoreAndFetch},
		{"FetchObjsMissing", testFetchObjsMissing},
		{"SizeLimits", testSizeLimits},
		{"Upsert", testUpsert},
		{"DeleteObjects", testDeleteObjects},
		{"Scan", testScan},
		{"ConcurrentUpdateSingleWinner", testConcurrentUpdate},
		{"ConcurrentAddSingleWinner", testConcurrentAdd},
		{"ConcurrentDisjointReferences", testDisjointReferences},
		{"ConcurrentStoreSingleInsert", testConcurrentStore},
		{"TextRoundTrip", testTextRoundTrip},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, factory(t, NewConfig()))
		})
	}

	t.Run("EraseIsScoped", func(t *testing.T) {
		testEraseIsScoped(t, factory(t, NewConfig()), factory(t, NewConfig()))
	})
}

func ctx() context.Context { return context.Background() }

func commit(t *testing.T, parent persist.ObjID, seq uint64, keys ...string) *persist.CommitObj {
	t.Helper()
	entries := make([]persist.IndexEntry, len(keys))
	for i, k := range keys {
		entries[i] = persist.IndexEntry{
			Key:       persist.ParseStoreKey(k),
			Action:    persist.ActionAdd,
			Value:     persist.HashObjID([]byte(k)),
			ContentID: "cid-" + k,
			Payload:   1,
		}
	}
	persist.SortIndexEntries(entries)
	c, err := persist.NewCommit(persist.CommitObj{Parent: parent, Seq: seq, Index: entries})
	require.NoError(t, err)
	return c
}

func contentValue(t *testing.T, data string) *persist.ContentValueObj {
	t.Helper()
	cv, err := persist.NewContentValue("cid-"+data, 1, []byte(data))
	require.NoError(t, err)
	return cv
}

func testReferencesAbsent(t *testing.T, p persist.Persist) {
	ref, err := p.FetchReference(ctx(), "refs/heads/missing")
	require.NoError(t, err)
	assert.Nil(t, ref)

	_, err = p.AddReference(ctx(), persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID})
	require.NoError(t, err)

	refs, err := p.FetchReferences(ctx(), []string{"refs/heads/main", "", "refs/heads/missing"})
	require.NoError(t, err)
	require.Len(t, refs, 3)
	require.NotNil(t, refs[0])
	assert.Equal(t, persist.EmptyObjID, refs[0].Pointer)
	assert.Nil(t, refs[1])
	assert.Nil(t, refs[2])
}

func testAddReference(t *testing.T, p persist.Persist) {
	ref := persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID, CreatedAt: 10}
	added, err := p.AddReference(ctx(), ref)
	require.NoError(t, err)
	assert.Equal(t, ref, added)

	got, err := p.FetchReference(ctx(), ref.Name)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ref, *got)

	other := persist.HashObjID([]byte("other"))
	_, err = p.AddReference(ctx(), persist.Reference{Name: ref.Name, Pointer: other})
	var exists *persist.RefAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, ref, exists.Existing)
	assert.ErrorIs(t, err, persist.ErrAlreadyExists)

	_, err = p.AddReference(ctx(), persist.Reference{Name: "refs/heads/dead", Pointer: persist.EmptyObjID, Deleted: true})
	assert.ErrorIs(t, err, persist.ErrInvalidArgument)
}

func testUpdateReferencePointer(t *testing.T, p persist.Persist) {
	c1 := persist.HashObjID([]byte("c1"))
	c2 := persist.HashObjID([]byte("c2"))
	ref, err := p.AddReference(ctx(), persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID})
	require.NoError(t, err)

	updated, err := p.UpdateReferencePointer(ctx(), ref, c1)
	require.NoError(t, err)
	assert.Equal(t, c1, updated.Pointer)
	assert.False(t, updated.Deleted)

	// Stale expectation: the caller still believes the ref is at Empty.
	_, err = p.UpdateReferencePointer(ctx(), ref, c2)
	var cond *persist.RefConditionFailedError
	require.ErrorAs(t, err, &cond)
	assert.Equal(t, c1, cond.Actual.Pointer)

	got, err := p.FetchReference(ctx(), ref.Name)
	require.NoError(t, err)
	assert.Equal(t, c1, got.Pointer)

	_, err = p.UpdateReferencePointer(ctx(), persist.Reference{Name: "refs/heads/nope", Pointer: c1}, c2)
	var nf *persist.RefNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "refs/heads/nope", nf.Name)
}

func testDeleteLifecycle(t *testing.T, p persist.Persist) {
	c1 := persist.HashObjID([]byte("c1"))
	ref, err := p.AddReference(ctx(), persist.Reference{Name: "refs/heads/gone", Pointer: c1})
	require.NoError(t, err)

	// Purging a live reference fails: purge expects the tombstone.
	err = p.PurgeReference(ctx(), ref)
	require.ErrorIs(t, err, persist.ErrConditionFailed)

	_, err = p.MarkReferenceAsDeleted(ctx(), persist.Reference{Name: ref.Name, Pointer: persist.EmptyObjID})
	require.ErrorIs(t, err, persist.ErrConditionFailed)

	tomb, err := p.MarkReferenceAsDeleted(ctx(), ref)
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, c1, tomb.Pointer)

	// A tombstone still occupies the name.
	_, err = p.AddReference(ctx(), persist.Reference{Name: ref.Name, Pointer: persist.EmptyObjID})
	var exists *persist.RefAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.True(t, exists.Existing.Deleted)

	_, err = p.UpdateReferencePointer(ctx(), ref, persist.EmptyObjID)
	var cond *persist.RefConditionFailedError
	require.ErrorAs(t, err, &cond)
	assert.True(t, cond.Actual.Deleted)

	_, err = p.MarkReferenceAsDeleted(ctx(), ref)
	require.ErrorIs(t, err, persist.ErrConditionFailed)

	require.NoError(t, p.PurgeReference(ctx(), ref))
	got, err := p.FetchReference(ctx(), ref.Name)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = p.PurgeReference(ctx(), ref)
	require.ErrorIs(t, err, persist.ErrNotFound)

	_, err = p.AddReference(ctx(), persist.Reference{Name: ref.Name, Pointer: persist.EmptyObjID})
	require.NoError(t, err)
}

func testListReferences(t *testing.T, p persist.Persist) {
	for _, name := range []string{"refs/tags/v1", "refs/heads/b", "refs/heads/a", "refs/heads/a/x"} {
		_, err := p.AddReference(ctx(), persist.Reference{Name: name, Pointer: persist.EmptyObjID})
		require.NoError(t, err)
	}
	_, err := p.MarkReferenceAsDeleted(ctx(), persist.Reference{Name: "refs/heads/b", Pointer: persist.EmptyObjID})
	require.NoError(t, err)

	heads, err := p.ListReferences(ctx(), "refs/heads/")
	require.NoError(t, err)
	names := make([]string, len(heads))
	for i, r := range heads {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"refs/heads/a", "refs/heads/a/x", "refs/heads/b"}, names)
	assert.True(t, heads[2].Deleted)

	all, err := p.ListReferences(ctx(), "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testStoreAndFetch(t *testing.T, p persist.Persist) {
	cv := contentValue(t, "hello")
	c := commit(t, persist.EmptyObjID, 1, "ns/a")

	stored, err := p.StoreObj(ctx(), cv, false)
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = p.StoreObj(ctx(), cv, false)
	require.NoError(t, err)
	assert.False(t, stored, "second store of the same object must report not inserted")

	flags, err := p.StoreObjs(ctx(), []persist.Obj{c, cv})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, flags)

	obj, err := p.FetchObj(ctx(), cv.ID())
	require.NoError(t, err)
	got, ok := obj.(*persist.ContentValueObj)
	require.True(t, ok, "FetchObj returned %T", obj)
	assert.Equal(t, cv.ID(), got.ID())
	assert.Equal(t, []byte("hello"), got.Data)

	typ, err := p.FetchObjType(ctx(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, persist.ObjCommit, typ)

	obj, err = p.FetchTypedObj(ctx(), c.ID(), persist.ObjCommit)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), obj.(*persist.CommitObj).Seq)

	_, err = p.FetchTypedObj(ctx(), c.ID(), persist.ObjContentValue)
	assert.ErrorIs(t, err, persist.ErrNotFound)

	_, err = p.FetchObj(ctx(), persist.HashObjID([]byte("absent")))
	assert.ErrorIs(t, err, persist.ErrNotFound)
	_, err = p.FetchObjType(ctx(), persist.HashObjID([]byte("absent")))
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func testFetchObjsMissing(t *testing.T, p persist.Persist) {
	a := contentValue(t, "a")
	b := contentValue(t, "b")
	_, err := p.StoreObjs(ctx(), []persist.Obj{a, b})
	require.NoError(t, err)

	objs, err := p.FetchObjs(ctx(), []persist.ObjID{a.ID(), {}, b.ID()})
	require.NoError(t, err)
	require.Len(t, objs, 3)
	assert.Equal(t, a.ID(), objs[0].ID())
	assert.Nil(t, objs[1])
	assert.Equal(t, b.ID(), objs[2].ID())

	m1 := persist.HashObjID([]byte("m1"))
	m2 := persist.HashObjID([]byte("m2"))
	_, err = p.FetchObjs(ctx(), []persist.ObjID{m1, a.ID(), m2})
	var nf *persist.ObjNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.ElementsMatch(t, []persist.ObjID{m1, m2}, nf.IDs)
}

func testSizeLimits(t *testing.T, p persist.Persist) {
	keys := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		keys = append(keys, fmt.Sprintf("namespace/table-%03d", i))
	}
	big := commit(t, persist.EmptyObjID, 1, keys...)
	size, err := persist.EncodedIndexSize(big.Index)
	require.NoError(t, err)
	require.Greater(t, size, IncrementalLimit)

	_, err = p.StoreObj(ctx(), big, false)
	var tooLarge *persist.ObjTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, size, tooLarge.Size)
	assert.Equal(t, IncrementalLimit, tooLarge.Limit)

	_, err = p.FetchObj(ctx(), big.ID())
	require.ErrorIs(t, err, persist.ErrNotFound, "rejected object must not be stored")

	stored, err := p.StoreObj(ctx(), big, true)
	require.NoError(t, err)
	assert.True(t, stored)
}

func testUpsert(t *testing.T, p persist.Persist) {
	id := persist.HashObjID([]byte("well-known"))
	first, err := persist.NewString(id, "text/plain", []byte("first"))
	require.NoError(t, err)
	second, err := persist.NewString(id, "text/plain", []byte("second"))
	require.NoError(t, err)

	require.NoError(t, p.UpsertObj(ctx(), first))
	require.NoError(t, p.UpsertObjs(ctx(), []persist.Obj{second}))

	obj, err := p.FetchTypedObj(ctx(), id, persist.ObjString)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), obj.(*persist.StringObj).Data)

	// StoreObj never overwrites.
	stored, err := p.StoreObj(ctx(), first, false)
	require.NoError(t, err)
	assert.False(t, stored)
}

func testDeleteObjects(t *testing.T, p persist.Persist) {
	a := contentValue(t, "a")
	b := contentValue(t, "b")
	_, err := p.StoreObjs(ctx(), []persist.Obj{a, b})
	require.NoError(t, err)

	require.NoError(t, p.DeleteObj(ctx(), a.ID()))
	require.NoError(t, p.DeleteObj(ctx(), a.ID()), "deleting an absent object is not an error")
	require.NoError(t, p.DeleteObjs(ctx(), []persist.ObjID{b.ID(), persist.HashObjID([]byte("never"))}))

	_, err = p.FetchObjs(ctx(), []persist.ObjID{a.ID(), b.ID()})
	var nf *persist.ObjNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Len(t, nf.IDs, 2)

	stored, err := p.StoreObj(ctx(), a, false)
	require.NoError(t, err)
	assert.True(t, stored)
}

func testScan(t *testing.T, p persist.Persist) {
	c1 := commit(t, persist.EmptyObjID, 1, "ns/a")
	c2 := commit(t, c1.ID(), 2, "ns/b")
	objs := []persist.Obj{c1, c2, contentValue(t, "x"), contentValue(t, "y"), contentValue(t, "z")}
	_, err := p.StoreObjs(ctx(), objs)
	require.NoError(t, err)

	collect := func(types ...persist.ObjType) map[persist.ObjID]persist.ObjType {
		it, err := p.ScanAllObjects(ctx(), types...)
		require.NoError(t, err)
		defer it.Close()
		seen := make(map[persist.ObjID]persist.ObjType)
		for it.Next() {
			obj := it.Obj()
			_, dup := seen[obj.ID()]
			require.False(t, dup, "scan yielded %s twice", obj.ID())
			seen[obj.ID()] = obj.Type()
		}
		require.NoError(t, it.Err())
		return seen
	}

	assert.Len(t, collect(), 5)
	commits := collect(persist.ObjCommit)
	assert.Len(t, commits, 2)
	assert.Contains(t, commits, c1.ID())
	assert.Contains(t, commits, c2.ID())
	assert.Len(t, collect(persist.ObjContentValue, persist.ObjCommit), 5)
	assert.Empty(t, collect(persist.ObjString))
}

func testEraseIsScoped(t *testing.T, p, other persist.Persist) {
	for _, s := range []persist.Persist{p, other} {
		_, err := s.AddReference(ctx(), persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID})
		require.NoError(t, err)
		_, err = s.StoreObj(ctx(), contentValue(t, "shared"), false)
		require.NoError(t, err)
	}

	require.NoError(t, p.Erase(ctx()))

	ref, err := p.FetchReference(ctx(), "refs/heads/main")
	require.NoError(t, err)
	assert.Nil(t, ref)
	it, err := p.ScanAllObjects(ctx())
	require.NoError(t, err)
	assert.False(t, it.Next())
	require.NoError(t, it.Close())

	ref, err = other.FetchReference(ctx(), "refs/heads/main")
	require.NoError(t, err)
	assert.NotNil(t, ref, "erase leaked into another repository")
	_, err = other.FetchObj(ctx(), contentValue(t, "shared").ID())
	require.NoError(t, err)
}

const racers = 16

func testConcurrentUpdate(t *testing.T, p persist.Persist) {
	ref, err := p.AddReference(ctx(), persist.Reference{Name: "refs/heads/main", Pointer: persist.EmptyObjID})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		errs    = make([]error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.UpdateReferencePointer(ctx(), ref, persist.HashObjID([]byte{byte(i)}))
			if err == nil {
				winners.Add(1)
				return
			}
			if !errors.Is(err, persist.ErrConditionFailed) {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), winners.Load(), "exactly one CAS may win")
}

func testConcurrentAdd(t *testing.T, p persist.Persist) {
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		errs    = make([]error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.AddReference(ctx(), persist.Reference{Name: "refs/heads/race", Pointer: persist.HashObjID([]byte{byte(i)})})
			if err == nil {
				winners.Add(1)
				return
			}
			if !errors.Is(err, persist.ErrAlreadyExists) {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), winners.Load())
}

func testDisjointReferences(t *testing.T, p persist.Persist) {
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := p.AddReference(ctx(), persist.Reference{Name: fmt.Sprintf("refs/heads/b%02d", i), Pointer: persist.EmptyObjID})
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = p.UpdateReferencePointer(ctx(), ref, persist.HashObjID([]byte{byte(i)}))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	refs, err := p.ListReferences(ctx(), "refs/heads/b")
	require.NoError(t, err)
	assert.Len(t, refs, racers)
}

func testConcurrentStore(t *testing.T, p persist.Persist) {
	cv := contentValue(t, "contended")
	var (
		wg       sync.WaitGroup
		inserted atomic.Int32
		errs     = make([]error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stored, err := p.StoreObj(ctx(), cv, false)
			if err != nil {
				errs[i] = err
				return
			}
			if stored {
				inserted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), inserted.Load())

	obj, err := p.FetchObj(ctx(), cv.ID())
	require.NoError(t, err)
	assert.Equal(t, []byte("contended"), obj.(*persist.ContentValueObj).Data)
}

// Text that cannot be decoded again must be refused before it is stored;
// valid non-ASCII text must round-trip.
func testTextRoundTrip(t *testing.T, p persist.Persist) {
	c, err := persist.NewCommit(persist.CommitObj{
		Parent:  persist.EmptyObjID,
		Seq:     1,
		Message: "première",
		Headers: persist.Headers{"author": {"Zoë"}},
		Index: []persist.IndexEntry{{
			Key:       persist.StoreKey{"ns", "tbl-日本"},
			Action:    persist.ActionAdd,
			Value:     persist.HashObjID([]byte("v")),
			ContentID: "cid-é",
			Payload:   1,
		}},
	})
	require.NoError(t, err)
	_, err = p.StoreObj(ctx(), c, false)
	require.NoError(t, err)
	obj, err := p.FetchTypedObj(ctx(), c.ID(), persist.ObjCommit)
	require.NoError(t, err)
	got := obj.(*persist.CommitObj)
	assert.Equal(t, persist.StoreKey{"ns", "tbl-日本"}, got.Index[0].Key)
	assert.Equal(t, "première", got.Message)

	_, err = persist.NewCommit(persist.CommitObj{
		Parent: persist.EmptyObjID,
		Seq:    2,
		Index: []persist.IndexEntry{{
			Key:    persist.StoreKey{"ns", "tbl\xff"},
			Action: persist.ActionAdd,
			Value:  persist.HashObjID([]byte("v")),
		}},
	})
	assert.ErrorIs(t, err, persist.ErrInvalidArgument)

	_, err = persist.NewCommit(persist.CommitObj{Parent: persist.EmptyObjID, Seq: 3, Message: "bad\xfe"})
	assert.ErrorIs(t, err, persist.ErrInvalidArgument)

	_, err = persist.NewContentValue("cid\xff", 1, []byte("data"))
	assert.ErrorIs(t, err, persist.ErrInvalidArgument)

	_, err = p.AddReference(ctx(), persist.Reference{Name: "refs/heads/\xff", Pointer: persist.EmptyObjID})
	assert.ErrorIs(t, err, persist.ErrInvalidArgument)
	refs, err := p.ListReferences(ctx(), "")
	require.NoError(t, err)
	assert.Empty(t, refs)
}
