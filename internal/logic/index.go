package logic

import (
	"context"

	"github.com/systemshift/memex-vstore/internal/codec"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// spillResult is a commit's key delta split into the part kept inline and
// the segments holding the rest.
type spillResult struct {
	inline   []persist.IndexEntry
	segments []*persist.IndexSegmentObj
	stripes  []persist.IndexStripe
}

// spillIndex partitions key-sorted entries. If everything fits within
// incrementalLimit it all stays inline. Otherwise the longest prefix that
// fits stays inline and the remainder is cut, in order, into segments no
// larger than segmentLimit. Sizes are exact encoded sizes, so the result
// always passes persist.Serialize with the same limits.
func spillIndex(entries []persist.IndexEntry, incrementalLimit, segmentLimit int) (*spillResult, error) {
	total, err := persist.EncodedIndexSize(entries)
	if err != nil {
		return nil, err
	}
	if total <= incrementalLimit {
		return &spillResult{inline: entries}, nil
	}

	sizes := make([]int, len(entries))
	for i := range entries {
		if sizes[i], err = persist.EncodedEntrySize(entries[i]); err != nil {
			return nil, err
		}
	}

	// Longest inline prefix. Adding entries never shrinks the encoding,
	// so the first miss ends the prefix.
	keep, sum := 0, 0
	for keep < len(entries) && codec.ArrayHeaderSize(keep+1)+sum+sizes[keep] <= incrementalLimit {
		sum += sizes[keep]
		keep++
	}

	res := &spillResult{inline: entries[:keep]}
	start, sum := keep, 0
	flush := func(end int) error {
		seg, err := persist.NewIndexSegment(entries[start:end])
		if err != nil {
			return err
		}
		res.segments = append(res.segments, seg)
		res.stripes = append(res.stripes, persist.IndexStripe{
			FirstKey: entries[start].Key,
			LastKey:  entries[end-1].Key,
			Segment:  seg.ID(),
		})
		start, sum = end, 0
		return nil
	}
	for i := keep; i < len(entries); i++ {
		if single := codec.ArrayHeaderSize(1) + sizes[i]; single > segmentLimit {
			return nil, &persist.ObjTooLargeError{Size: single, Limit: segmentLimit}
		}
		if codec.ArrayHeaderSize(i-start+1)+sum+sizes[i] > segmentLimit {
			if err := flush(i); err != nil {
				return nil, err
			}
		}
		sum += sizes[i]
	}
	if start < len(entries) {
		if err := flush(len(entries)); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// lookupInCommit finds key in c's own delta: the inline index first, then
// the segment whose stripe covers key.
func (l *CommitLogic) lookupInCommit(ctx context.Context, c *persist.CommitObj, key persist.StoreKey) (*persist.IndexEntry, bool, error) {
	if e, ok := persist.FindIndexEntry(c.Index, key); ok {
		return &e, true, nil
	}
	for _, stripe := range c.Stripes {
		if !stripe.Contains(key) {
			continue
		}
		seg, err := l.fetchSegment(ctx, stripe.Segment)
		if err != nil {
			return nil, false, err
		}
		if e, ok := persist.FindIndexEntry(seg.Entries, key); ok {
			return &e, true, nil
		}
	}
	return nil, false, nil
}

func (l *CommitLogic) fetchSegment(ctx context.Context, id persist.ObjID) (*persist.IndexSegmentObj, error) {
	obj, err := l.p.FetchTypedObj(ctx, id, persist.ObjIndexSegment)
	if err != nil {
		return nil, err
	}
	return obj.(*persist.IndexSegmentObj), nil
}

// ValueAt resolves the entry visible for key as of commitID by walking
// the commit's delta and then its ancestors. A Remove entry, or reaching
// the root, yields nil.
func (l *CommitLogic) ValueAt(ctx context.Context, commitID persist.ObjID, key persist.StoreKey) (*persist.IndexEntry, error) {
	for id := commitID; id != persist.EmptyObjID; {
		c, err := l.FetchCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		e, found, err := l.lookupInCommit(ctx, c, key)
		if err != nil {
			return nil, err
		}
		if found {
			if e.Action == persist.ActionRemove {
				return nil, nil
			}
			return e, nil
		}
		id = c.Parent
	}
	return nil, nil
}

// Contents returns every entry visible at commitID, sorted by key.
func (l *CommitLogic) Contents(ctx context.Context, commitID persist.ObjID) ([]persist.IndexEntry, error) {
	seen := make(map[string]bool)
	var visible []persist.IndexEntry
	consider := func(entries []persist.IndexEntry) {
		for _, e := range entries {
			k := e.Key.MapKey()
			if seen[k] {
				continue
			}
			seen[k] = true
			if e.Action == persist.ActionAdd {
				visible = append(visible, e)
			}
		}
	}
	for id := commitID; id != persist.EmptyObjID; {
		c, err := l.FetchCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		consider(c.Index)
		for _, stripe := range c.Stripes {
			seg, err := l.fetchSegment(ctx, stripe.Segment)
			if err != nil {
				return nil, err
			}
			consider(seg.Entries)
		}
		id = c.Parent
	}
	persist.SortIndexEntries(visible)
	return visible, nil
}
