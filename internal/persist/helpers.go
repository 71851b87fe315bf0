package persist

import (
	"fmt"
	"unicode/utf8"
)

// Helpers shared by the backends. They carry no storage of their own.

// CheckReference verifies the persisted state of a reference against the
// caller's expectation (expected.Pointer, expectDeleted).
func CheckReference(expected Reference, current *Reference, expectDeleted bool) error {
	if current == nil {
		return &RefNotFoundError{Name: expected.Name}
	}
	if !current.Matches(expected.Pointer, expectDeleted) {
		return &RefConditionFailedError{Actual: *current}
	}
	return nil
}

// ValidateNewReference rejects references that may not be added.
func ValidateNewReference(ref Reference) error {
	switch {
	case ref.Name == "":
		return fmt.Errorf("add reference: empty name: %w", ErrInvalidArgument)
	case !utf8.ValidString(ref.Name):
		return fmt.Errorf("add reference %q: name is not valid UTF-8: %w", ref.Name, ErrInvalidArgument)
	case ref.Pointer.IsZero():
		return fmt.Errorf("add reference %s: zero pointer: %w", ref.Name, ErrInvalidArgument)
	case ref.Deleted:
		return fmt.Errorf("add reference %s: reference is marked deleted: %w", ref.Name, ErrInvalidArgument)
	}
	return nil
}

// Encode serializes obj for storage under the configured limits.
func (c Config) Encode(obj Obj, ignoreSoft bool) ([]byte, error) {
	if obj == nil || obj.ID().IsZero() {
		return nil, fmt.Errorf("store object without id: %w", ErrInvalidArgument)
	}
	inc, seg := c.Limits(ignoreSoft)
	return Serialize(obj, inc, seg)
}

// CollectObjs resolves ids positionally through lookup, which returns the
// stored bytes or nil when the id is absent. Zero ids are skipped and stay
// nil. All absent or undecodable ids are reported together.
func CollectObjs(ids []ObjID, lookup func(ObjID) ([]byte, error)) ([]Obj, error) {
	out := make([]Obj, len(ids))
	var missing []ObjID
	var cause error
	for i, id := range ids {
		if id.IsZero() {
			continue
		}
		data, err := lookup(id)
		if err != nil {
			return nil, err
		}
		if data == nil {
			missing = append(missing, id)
			continue
		}
		obj, err := Deserialize(id, data)
		if err != nil {
			missing = append(missing, id)
			if cause == nil {
				cause = err
			}
			continue
		}
		out[i] = obj
	}
	if len(missing) > 0 {
		return nil, &ObjNotFoundError{IDs: missing, Cause: cause}
	}
	return out, nil
}

// FetchOne resolves a single id through lookup.
func FetchOne(id ObjID, lookup func(ObjID) ([]byte, error)) (Obj, error) {
	objs, err := CollectObjs([]ObjID{id}, lookup)
	if err != nil {
		return nil, err
	}
	if objs[0] == nil {
		return nil, &ObjNotFoundError{IDs: []ObjID{id}}
	}
	return objs[0], nil
}

// RawCursor yields serialized objects in backend order. Backends whose
// native scans can report the same key more than once may do so.
type RawCursor interface {
	Next() bool
	ID() ObjID
	Data() []byte
	Err() error
	Close() error
}

// NewObjIterator decodes a RawCursor, skipping consecutive duplicate ids
// and objects whose type is not in types (all types when empty).
func NewObjIterator(cur RawCursor, types []ObjType) ObjIterator {
	it := &objIterator{cur: cur}
	if len(types) > 0 {
		it.types = make(map[ObjType]bool, len(types))
		for _, t := range types {
			it.types[t] = true
		}
	}
	return it
}

type objIterator struct {
	cur   RawCursor
	types map[ObjType]bool
	last  ObjID
	obj   Obj
	err   error
}

func (it *objIterator) Next() bool {
	it.obj = nil
	if it.err != nil {
		return false
	}
	for it.cur.Next() {
		id := it.cur.ID()
		if id == it.last {
			continue
		}
		it.last = id
		data := it.cur.Data()
		typ, ok := PeekType(data)
		if !ok {
			it.err = &ObjNotFoundError{IDs: []ObjID{id}, Cause: fmt.Errorf("unknown object type in scan")}
			return false
		}
		if it.types != nil && !it.types[typ] {
			continue
		}
		obj, err := Deserialize(id, data)
		if err != nil {
			it.err = err
			return false
		}
		it.obj = obj
		return true
	}
	it.err = it.cur.Err()
	return false
}

func (it *objIterator) Obj() Obj     { return it.obj }
func (it *objIterator) Err() error   { return it.err }
func (it *objIterator) Close() error { return it.cur.Close() }

// RawObj is one serialized object.
type RawObj struct {
	ID   ObjID
	Data []byte
}

// SliceCursor is a RawCursor over an in-memory snapshot.
type SliceCursor struct {
	objs []RawObj
	pos  int
}

// NewSliceCursor returns a cursor over objs.
func NewSliceCursor(objs []RawObj) *SliceCursor {
	return &SliceCursor{objs: objs, pos: -1}
}

func (c *SliceCursor) Next() bool {
	if c.pos+1 >= len(c.objs) {
		c.pos = len(c.objs)
		return false
	}
	c.pos++
	return true
}

func (c *SliceCursor) ID() ObjID    { return c.objs[c.pos].ID }
func (c *SliceCursor) Data() []byte { return c.objs[c.pos].Data }
func (c *SliceCursor) Err() error   { return nil }
func (c *SliceCursor) Close() error { return nil }
