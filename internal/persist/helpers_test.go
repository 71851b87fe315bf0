package persist

import (
	"errors"
	"sync"
	"testing"
)

func TestCheckReference(t *testing.T) {
	p1 := HashObjID([]byte("p1"))
	p2 := HashObjID([]byte("p2"))
	expected := Reference{Name: "refs/heads/main", Pointer: p1}

	if err := CheckReference(expected, nil, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("absent: err = %v, want ErrNotFound", err)
	}

	live := &Reference{Name: expected.Name, Pointer: p1}
	if err := CheckReference(expected, live, false); err != nil {
		t.Fatalf("matching: %v", err)
	}

	moved := &Reference{Name: expected.Name, Pointer: p2}
	err := CheckReference(expected, moved, false)
	var cond *RefConditionFailedError
	if !errors.As(err, &cond) || cond.Actual.Pointer != p2 {
		t.Fatalf("moved: err = %v, want condition failure carrying p2", err)
	}

	if err := CheckReference(expected, live, true); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("deleted expected on live ref: err = %v", err)
	}
}

func TestValidateNewReference(t *testing.T) {
	if err := ValidateNewReference(Reference{Name: "a", Pointer: EmptyObjID}); err != nil {
		t.Fatalf("valid reference rejected: %v", err)
	}
	bad := []Reference{
		{Name: "", Pointer: EmptyObjID},
		{Name: "a"},
		{Name: "a", Pointer: EmptyObjID, Deleted: true},
	}
	for _, ref := range bad {
		if err := ValidateNewReference(ref); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ValidateNewReference(%+v) = %v, want ErrInvalidArgument", ref, err)
		}
	}
}

func rawStore(t *testing.T, objs ...Obj) map[ObjID][]byte {
	t.Helper()
	m := make(map[ObjID][]byte)
	for _, o := range objs {
		data, err := Serialize(o, NoLimit, NoLimit)
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		m[o.ID()] = data
	}
	return m
}

func TestCollectObjs(t *testing.T) {
	a, _ := NewContentValue("a", 1, []byte("a"))
	b, _ := NewContentValue("b", 1, []byte("b"))
	store := rawStore(t, a, b)
	lookup := func(id ObjID) ([]byte, error) { return store[id], nil }

	objs, err := CollectObjs([]ObjID{a.ID(), {}, b.ID()}, lookup)
	if err != nil {
		t.Fatalf("CollectObjs: %v", err)
	}
	if objs[0].ID() != a.ID() || objs[1] != nil || objs[2].ID() != b.ID() {
		t.Fatalf("CollectObjs = %v", objs)
	}

	m1 := HashObjID([]byte("m1"))
	m2 := HashObjID([]byte("m2"))
	_, err = CollectObjs([]ObjID{m1, a.ID(), m2}, lookup)
	var nf *ObjNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want ObjNotFoundError", err)
	}
	if len(nf.IDs) != 2 || nf.IDs[0] != m1 || nf.IDs[1] != m2 {
		t.Fatalf("missing = %v, want [%s %s]", nf.IDs, m1, m2)
	}

	boom := errors.New("boom")
	if _, err := CollectObjs([]ObjID{a.ID()}, func(ObjID) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("lookup error not propagated: %v", err)
	}
}

func TestObjIterator_DedupAndFilter(t *testing.T) {
	cv, _ := NewContentValue("a", 1, []byte("a"))
	seg, _ := NewIndexSegment(testEntries("ns/a"))
	store := rawStore(t, cv, seg)
	raw := []RawObj{
		{ID: cv.ID(), Data: store[cv.ID()]},
		{ID: cv.ID(), Data: store[cv.ID()]},
		{ID: seg.ID(), Data: store[seg.ID()]},
	}

	count := func(types ...ObjType) int {
		it := NewObjIterator(NewSliceCursor(raw), types)
		defer it.Close()
		n := 0
		for it.Next() {
			n++
		}
		if err := it.Err(); err != nil {
			t.Fatalf("iterator: %v", err)
		}
		return n
	}

	if n := count(); n != 2 {
		t.Errorf("all types: %d objects, want 2", n)
	}
	if n := count(ObjIndexSegment); n != 1 {
		t.Errorf("segments only: %d objects, want 1", n)
	}
	if n := count(ObjCommit); n != 0 {
		t.Errorf("commits only: %d objects, want 0", n)
	}
}

func TestLockTable_Serializes(t *testing.T) {
	table := NewLockTable(4)
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := table.Lock(RefLockKey("refs/heads/main"))
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}
