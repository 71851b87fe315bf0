package logic

import (
	"errors"
	"fmt"
	"testing"

	"github.com/systemshift/memex-vstore/internal/persist"
)

func spillEntries(n int) []persist.IndexEntry {
	entries := make([]persist.IndexEntry, n)
	for i := range entries {
		k := fmt.Sprintf("ns/t%03d", i)
		entries[i] = persist.IndexEntry{
			Key:       persist.ParseStoreKey(k),
			Action:    persist.ActionAdd,
			Value:     persist.HashObjID([]byte(k)),
			ContentID: "c-" + k,
			Payload:   1,
		}
	}
	persist.SortIndexEntries(entries)
	return entries
}

func TestSpillIndex_ExactLimitStaysInline(t *testing.T) {
	entries := spillEntries(20)
	total, err := persist.EncodedIndexSize(entries)
	if err != nil {
		t.Fatalf("EncodedIndexSize: %v", err)
	}

	res, err := spillIndex(entries, total, total)
	if err != nil {
		t.Fatalf("spillIndex: %v", err)
	}
	if len(res.inline) != 20 || len(res.segments) != 0 || len(res.stripes) != 0 {
		t.Fatalf("at the limit: inline=%d segments=%d", len(res.inline), len(res.segments))
	}

	res, err = spillIndex(entries, total-1, total)
	if err != nil {
		t.Fatalf("spillIndex: %v", err)
	}
	if len(res.inline) != 19 || len(res.segments) != 1 {
		t.Fatalf("one byte over: inline=%d segments=%d", len(res.inline), len(res.segments))
	}
	if got := res.segments[0].Entries; len(got) != 1 || got[0].Key.Compare(entries[19].Key) != 0 {
		t.Fatalf("spilled entries = %+v", got)
	}
}

func TestSpillIndex_SegmentsRespectLimit(t *testing.T) {
	entries := spillEntries(100)
	one, _ := persist.EncodedIndexSize(entries[:1])
	segLimit := one * 7

	res, err := spillIndex(entries, one*3, segLimit)
	if err != nil {
		t.Fatalf("spillIndex: %v", err)
	}

	n := len(res.inline)
	for i, seg := range res.segments {
		size, _ := persist.EncodedIndexSize(seg.Entries)
		if size > segLimit {
			t.Fatalf("segment %d is %d bytes, limit %d", i, size, segLimit)
		}
		if _, err := persist.Serialize(seg, persist.NoLimit, segLimit); err != nil {
			t.Fatalf("segment %d does not serialize: %v", i, err)
		}
		if res.stripes[i].Segment != seg.ID() {
			t.Fatalf("stripe %d points at %s, want %s", i, res.stripes[i].Segment, seg.ID())
		}
		n += len(seg.Entries)
	}
	if n != len(entries) {
		t.Fatalf("spill kept %d of %d entries", n, len(entries))
	}

	// Order is preserved across inline part and segments.
	var flat []persist.IndexEntry
	flat = append(flat, res.inline...)
	for _, seg := range res.segments {
		flat = append(flat, seg.Entries...)
	}
	for i := range flat {
		if flat[i].Key.Compare(entries[i].Key) != 0 {
			t.Fatalf("entry %d is %s, want %s", i, flat[i].Key, entries[i].Key)
		}
	}
}

func TestSpillIndex_Deterministic(t *testing.T) {
	entries := spillEntries(50)
	a, err := spillIndex(entries, 300, 300)
	if err != nil {
		t.Fatalf("spillIndex: %v", err)
	}
	b, err := spillIndex(spillEntries(50), 300, 300)
	if err != nil {
		t.Fatalf("spillIndex: %v", err)
	}
	if len(a.segments) != len(b.segments) {
		t.Fatalf("segment counts differ: %d vs %d", len(a.segments), len(b.segments))
	}
	for i := range a.segments {
		if a.segments[i].ID() != b.segments[i].ID() {
			t.Fatalf("segment %d ids differ", i)
		}
	}
}

func TestSpillIndex_EntryTooLarge(t *testing.T) {
	entries := spillEntries(3)
	one, _ := persist.EncodedIndexSize(entries[:1])
	_, err := spillIndex(entries, 1, one-1)
	var tl *persist.ObjTooLargeError
	if !errors.As(err, &tl) {
		t.Fatalf("want ObjTooLargeError, got %v", err)
	}
	if tl.Limit != one-1 || tl.Size != one {
		t.Fatalf("ObjTooLargeError = %+v", tl)
	}
}
