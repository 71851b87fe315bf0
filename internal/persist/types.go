package persist

import (
	"fmt"
	"sort"
	"strings"
)

// ObjType tags the variant of an Obj. The numeric values are written as
// the first byte of every serialized object and must never change.
type ObjType uint8

const (
	ObjCommit       ObjType = 1
	ObjContentValue ObjType = 2
	ObjIndexSegment ObjType = 3
	// 4 is reserved.
	ObjString       ObjType = 5
)

// AllObjTypes lists every known object type.
var AllObjTypes = []ObjType{ObjCommit, ObjContentValue, ObjIndexSegment, ObjString}

func (t ObjType) String() string {
	switch t {
	case ObjCommit:
		return "COMMIT"
	case ObjContentValue:
		return "CONTENT_VALUE"
	case ObjIndexSegment:
		return "INDEX_SEGMENT"
	case ObjString:
		return "STRING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

func (t ObjType) valid() bool {
	switch t {
	case ObjCommit, ObjContentValue, ObjIndexSegment, ObjString:
		return true
	}
	return false
}

// Obj is an immutable, content-addressed record.
type Obj interface {
	ID() ObjID
	Type() ObjType
}

// identified is implemented by every Obj variant of this package; the
// codec uses it to attach ids after hashing or decoding.
type identified interface {
	Obj
	setID(ObjID)
}

// StoreKey is a structured key in a commit's logical key space, e.g. a
// namespace path followed by a table name.
type StoreKey []string

// ParseStoreKey splits a slash-separated key ("ns/tbl").
func ParseStoreKey(s string) StoreKey {
	if s == "" {
		return nil
	}
	return StoreKey(strings.Split(s, "/"))
}

func (k StoreKey) String() string {
	return strings.Join(k, "/")
}

// Compare orders keys element-wise, a shorter key sorting before any key
// it is a prefix of.
func (k StoreKey) Compare(other StoreKey) int {
	for i := 0; i < len(k) && i < len(other); i++ {
		if c := strings.Compare(k[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(other):
		return -1
	case len(k) > len(other):
		return 1
	default:
		return 0
	}
}

// MapKey returns a string usable as a Go map key. The NUL separator
// cannot collide with element contents produced by ParseStoreKey.
func (k StoreKey) MapKey() string {
	return strings.Join(k, "\x00")
}

// Action is the kind of change an IndexEntry records.
type Action uint8

const (
	ActionAdd    Action = 1
	ActionRemove Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(a))
	}
}

// IndexEntry is one key change recorded by a commit, either inline or in
// an index segment.
type IndexEntry struct {
	Key       StoreKey `cbor:"k" json:"key"`
	Action    Action   `cbor:"a" json:"action"`
	Value     ObjID    `cbor:"v" json:"value"`
	ContentID string   `cbor:"c" json:"content_id"`
	Payload   uint8    `cbor:"p" json:"payload"`
}

// SortIndexEntries orders entries by key.
func SortIndexEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Compare(entries[j].Key) < 0
	})
}

// FindIndexEntry binary-searches a key-sorted entry list.
func FindIndexEntry(entries []IndexEntry, key StoreKey) (IndexEntry, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Key.Compare(key) >= 0
	})
	if i < len(entries) && entries[i].Key.Compare(key) == 0 {
		return entries[i], true
	}
	return IndexEntry{}, false
}

// IndexStripe points at an index segment holding the entries between
// FirstKey and LastKey, inclusive.
type IndexStripe struct {
	FirstKey StoreKey `cbor:"f" json:"first_key"`
	LastKey  StoreKey `cbor:"l" json:"last_key"`
	Segment  ObjID    `cbor:"s" json:"segment"`
}

// Contains reports whether key falls into the stripe's key range.
func (s IndexStripe) Contains(key StoreKey) bool {
	return s.FirstKey.Compare(key) <= 0 && key.Compare(s.LastKey) <= 0
}

// Headers maps free-form commit header names to ordered values.
type Headers map[string][]string

// CommitObj is an immutable commit.
type CommitObj struct {
	id ObjID

	Parent  ObjID         `cbor:"p" json:"parent"`
	Seq     uint64        `cbor:"s" json:"seq"`
	Created int64         `cbor:"c" json:"created"` // microseconds since epoch
	Headers Headers       `cbor:"h" json:"headers,omitempty"`
	Message string        `cbor:"m" json:"message,omitempty"`
	Index   []IndexEntry  `cbor:"i" json:"index,omitempty"`
	Stripes []IndexStripe `cbor:"x" json:"stripes,omitempty"`
}

func (c *CommitObj) ID() ObjID      { return c.id }
func (c *CommitObj) Type() ObjType  { return ObjCommit }
func (c *CommitObj) setID(id ObjID) { c.id = id }
func (c *CommitObj) IsRoot() bool   { return c.Parent == EmptyObjID }

// ContentValueObj is the stored state of one versioned entity.
type ContentValueObj struct {
	id ObjID

	ContentID string `cbor:"c"`
	Payload   uint8  `cbor:"p"`
	Data      []byte `cbor:"d"`
}

func (c *ContentValueObj) ID() ObjID      { return c.id }
func (c *ContentValueObj) Type() ObjType  { return ObjContentValue }
func (c *ContentValueObj) setID(id ObjID) { c.id = id }

// IndexSegmentObj holds index entries spilled out of a commit.
type IndexSegmentObj struct {
	id ObjID

	Entries []IndexEntry `cbor:"e"`
}

func (s *IndexSegmentObj) ID() ObjID      { return s.id }
func (s *IndexSegmentObj) Type() ObjType  { return ObjIndexSegment }
func (s *IndexSegmentObj) setID(id ObjID) { s.id = id }

// StringObj carries an opaque payload. It is the only variant written
// through the upsert path, for internal records such as the repository
// description that live under a fixed id.
type StringObj struct {
	id ObjID

	ContentType  string  `cbor:"t"`
	// Compression names the encoding of Data; empty means none. Data is
	// stored as given either way.
	Compression  string  `cbor:"z,omitempty"`
	Predecessors []ObjID `cbor:"r"`
	Data         []byte  `cbor:"d"`
}

func (s *StringObj) ID() ObjID      { return s.id }
func (s *StringObj) Type() ObjType  { return ObjString }
func (s *StringObj) setID(id ObjID) { s.id = id }

// Reference is a mutable named pointer to a commit.
// Only (Pointer, Deleted) take part in compare-and-swap checks.
type Reference struct {
	Name      string `cbor:"n" json:"name"`
	Pointer   ObjID  `cbor:"p" json:"pointer"`
	Deleted   bool   `cbor:"d" json:"deleted"`
	CreatedAt int64  `cbor:"c" json:"created_at"` // microseconds since epoch
}

// Matches reports whether the persisted state equals the expected
// (pointer, deleted) tuple.
func (r Reference) Matches(pointer ObjID, deleted bool) bool {
	return r.Pointer == pointer && r.Deleted == deleted
}

func (r Reference) String() string {
	state := "live"
	if r.Deleted {
		state = "deleted"
	}
	return fmt.Sprintf("%s@%s (%s)", r.Name, r.Pointer, state)
}
