package logic

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/systemshift/memex-vstore/internal/persist"
)

// Sequence hands out commit sequence numbers.
type Sequence interface {
	// Next returns a number strictly greater than parentSeq and than any
	// number it returned before.
	Next(parentSeq uint64) uint64
}

// RepositorySequence is a process-local counter for one repository. Two
// processes committing to the same repository may hand out the same
// number; ordering within a single parent chain still holds because every
// value exceeds its parent's.
type RepositorySequence struct {
	last atomic.Uint64
}

// NewRepositorySequence starts counting after last.
func NewRepositorySequence(last uint64) *RepositorySequence {
	s := &RepositorySequence{}
	s.last.Store(last)
	return s
}

// BindSequence scans every commit of p and starts the counter after the
// highest sequence number found.
func BindSequence(ctx context.Context, p persist.Persist) (*RepositorySequence, error) {
	it, err := p.ScanAllObjects(ctx, persist.ObjCommit)
	if err != nil {
		return nil, fmt.Errorf("scan commits: %w", err)
	}
	defer it.Close()

	var highest uint64
	for it.Next() {
		if c := it.Obj().(*persist.CommitObj); c.Seq > highest {
			highest = c.Seq
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan commits: %w", err)
	}
	return NewRepositorySequence(highest), nil
}

func (s *RepositorySequence) Next(parentSeq uint64) uint64 {
	for {
		cur := s.last.Load()
		next := max(cur, parentSeq) + 1
		if s.last.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Observe raises the counter to at least seq, for commits that entered
// the repository without passing through Next.
func (s *RepositorySequence) Observe(seq uint64) {
	for {
		cur := s.last.Load()
		if cur >= seq || s.last.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Last returns the most recently issued number.
func (s *RepositorySequence) Last() uint64 { return s.last.Load() }
