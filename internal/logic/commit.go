package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/systemshift/memex-vstore/internal/clock"
	"github.com/systemshift/memex-vstore/internal/persist"
)

// Operation is one key change requested of a commit.
type Operation struct {
	Action    persist.Action
	Key       persist.StoreKey
	Value     persist.ObjID
	ContentID string
	Payload   uint8

	// Expected is the value the caller believes is current. Nil means the
	// caller expects no value (for Add) or does not care (for Remove).
	Expected *persist.ObjID
}

// Add puts value under key.
func Add(key persist.StoreKey, value persist.ObjID, contentID string, payload uint8) Operation {
	return Operation{Action: persist.ActionAdd, Key: key, Value: value, ContentID: contentID, Payload: payload}
}

// Remove deletes key. An empty contentID skips the content id check.
func Remove(key persist.StoreKey, contentID string) Operation {
	return Operation{Action: persist.ActionRemove, Key: key, ContentID: contentID}
}

// Expecting returns op with an expected previous value.
func (op Operation) Expecting(previous persist.ObjID) Operation {
	op.Expected = &previous
	return op
}

// CommitLogic builds commits and answers key lookups against them.
type CommitLogic struct {
	p      persist.Persist
	seq    Sequence
	clock  clock.Clock
	logger *slog.Logger
}

// NewCommitLogic returns commit logic over p. A nil logger discards.
func NewCommitLogic(p persist.Persist, seq Sequence, logger *slog.Logger) *CommitLogic {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CommitLogic{p: p, seq: seq, clock: clockOf(p), logger: logger}
}

// FetchCommit loads a commit. EmptyObjID yields nil.
func (l *CommitLogic) FetchCommit(ctx context.Context, id persist.ObjID) (*persist.CommitObj, error) {
	if id == persist.EmptyObjID {
		return nil, nil
	}
	obj, err := l.p.FetchTypedObj(ctx, id, persist.ObjCommit)
	if err != nil {
		return nil, err
	}
	return obj.(*persist.CommitObj), nil
}

// FetchCommits loads commits positionally; EmptyObjID slots stay nil.
func (l *CommitLogic) FetchCommits(ctx context.Context, ids []persist.ObjID) ([]*persist.CommitObj, error) {
	lookup := make([]persist.ObjID, len(ids))
	for i, id := range ids {
		if id != persist.EmptyObjID {
			lookup[i] = id
		}
	}
	objs, err := l.p.FetchObjs(ctx, lookup)
	if err != nil {
		return nil, err
	}
	out := make([]*persist.CommitObj, len(ids))
	var wrongType []persist.ObjID
	for i, obj := range objs {
		if obj == nil {
			continue
		}
		c, ok := obj.(*persist.CommitObj)
		if !ok {
			wrongType = append(wrongType, ids[i])
			continue
		}
		out[i] = c
	}
	if len(wrongType) > 0 {
		return nil, &persist.ObjNotFoundError{IDs: wrongType}
	}
	return out, nil
}

// CommitLog walks the parent chain from head, returning up to n commits
// (newest first). n <= 0 walks to the root.
func (l *CommitLogic) CommitLog(ctx context.Context, head persist.ObjID, n int) ([]*persist.CommitObj, error) {
	var commits []*persist.CommitObj
	for id := head; id != persist.EmptyObjID && (n <= 0 || len(commits) < n); {
		c, err := l.FetchCommit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("commit log at %s: %w", id, err)
		}
		commits = append(commits, c)
		id = c.Parent
	}
	return commits, nil
}

// StoreContentValue stores a content value and returns it. Storing the
// same content twice is harmless.
func (l *CommitLogic) StoreContentValue(ctx context.Context, contentID string, payload uint8, data []byte) (*persist.ContentValueObj, error) {
	cv, err := persist.NewContentValue(contentID, payload, data)
	if err != nil {
		return nil, err
	}
	if _, err := l.p.StoreObj(ctx, cv, false); err != nil {
		return nil, err
	}
	return cv, nil
}

type builderState int

const (
	stateCollecting builderState = iota
	stateResolving
	stateSpilling
	stateCommitted
)

// CommitBuilder accumulates operations against a parent commit. It is
// single-use: after Commit returns, every further call fails with
// ErrBuilderConsumed.
type CommitBuilder struct {
	l       *CommitLogic
	parent  persist.ObjID
	message string
	headers persist.Headers
	ops     []Operation
	keys    map[string]bool
	state   builderState
}

// NewCommit starts a commit on top of parent (EmptyObjID for a root).
func (l *CommitLogic) NewCommit(parent persist.ObjID) *CommitBuilder {
	return &CommitBuilder{
		l:       l,
		parent:  parent,
		headers: persist.Headers{},
		keys:    make(map[string]bool),
	}
}

// Message sets the commit message.
func (b *CommitBuilder) Message(m string) *CommitBuilder {
	b.message = m
	return b
}

// Header appends a value to a header.
func (b *CommitBuilder) Header(name, value string) *CommitBuilder {
	b.headers[name] = append(b.headers[name], value)
	return b
}

// Apply adds operations. A key may appear only once per commit.
func (b *CommitBuilder) Apply(ops ...Operation) error {
	if b.state != stateCollecting {
		return ErrBuilderConsumed
	}
	for _, op := range ops {
		if len(op.Key) == 0 {
			return fmt.Errorf("operation without key: %w", persist.ErrInvalidArgument)
		}
		if op.Action != persist.ActionAdd && op.Action != persist.ActionRemove {
			return fmt.Errorf("operation on %s: unknown action %s: %w", op.Key, op.Action, persist.ErrInvalidArgument)
		}
		if err := persist.ValidKey(op.Key); err != nil {
			return fmt.Errorf("operation on %q: %w", op.Key.String(), err)
		}
		if err := persist.ValidText("content id", op.ContentID); err != nil {
			return fmt.Errorf("operation on %s: %w", op.Key, err)
		}
		k := op.Key.MapKey()
		if b.keys[k] {
			return fmt.Errorf("duplicate operation on key %s: %w", op.Key, persist.ErrInvalidArgument)
		}
		b.keys[k] = true
		b.ops = append(b.ops, op)
	}
	return nil
}

// Commit resolves every operation against the parent, spills the delta
// if needed and stores the commit. Conflicts are reported all together
// as a *CommitConflictError and nothing is stored. The caller advances a
// reference to the returned commit.
func (b *CommitBuilder) Commit(ctx context.Context) (*persist.CommitObj, error) {
	if b.state != stateCollecting {
		return nil, ErrBuilderConsumed
	}
	b.state = stateResolving
	l := b.l
	if err := persist.ValidText("commit message", b.message); err != nil {
		return nil, err
	}
	if err := persist.ValidHeaders(b.headers); err != nil {
		return nil, err
	}

	var parentSeq uint64
	if b.parent != persist.EmptyObjID {
		parent, err := l.FetchCommit(ctx, b.parent)
		if err != nil {
			return nil, fmt.Errorf("fetch parent commit: %w", err)
		}
		parentSeq = parent.Seq
	}

	entries := make([]persist.IndexEntry, 0, len(b.ops))
	var conflicts []Conflict
	for _, op := range b.ops {
		existing, err := l.ValueAt(ctx, b.parent, op.Key)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", op.Key, err)
		}
		if c, ok := checkOperation(op, existing); !ok {
			conflicts = append(conflicts, c)
			continue
		}
		entry := persist.IndexEntry{
			Key:       op.Key,
			Action:    op.Action,
			Value:     op.Value,
			ContentID: op.ContentID,
			Payload:   op.Payload,
		}
		if op.Action == persist.ActionRemove {
			entry.Value = persist.ObjID{}
			entry.Payload = existing.Payload
			if entry.ContentID == "" {
				entry.ContentID = existing.ContentID
			}
		}
		entries = append(entries, entry)
	}
	if len(conflicts) > 0 {
		l.logger.Debug("commit rejected", "parent", b.parent, "conflicts", len(conflicts))
		return nil, &CommitConflictError{Conflicts: conflicts}
	}

	b.state = stateSpilling
	persist.SortIndexEntries(entries)
	cfg := l.p.Config()
	spilled, err := spillIndex(entries, cfg.IncrementalIndexSizeLimit, cfg.IndexSegmentSizeLimit)
	if err != nil {
		return nil, err
	}
	for _, seg := range spilled.segments {
		if _, err := l.p.StoreObj(ctx, seg, false); err != nil {
			return nil, fmt.Errorf("store index segment: %w", err)
		}
	}

	b.state = stateCommitted
	headers := b.headers
	if len(headers) == 0 {
		headers = nil
	}
	commit, err := persist.NewCommit(persist.CommitObj{
		Parent:  b.parent,
		Seq:     l.seq.Next(parentSeq),
		Created: l.clock.Now().UnixMicro(),
		Headers: headers,
		Message: b.message,
		Index:   spilled.inline,
		Stripes: spilled.stripes,
	})
	if err != nil {
		return nil, err
	}
	if _, err := l.p.StoreObj(ctx, commit, false); err != nil {
		return nil, fmt.Errorf("store commit: %w", err)
	}
	l.logger.Debug("commit stored",
		"id", commit.ID(),
		"seq", commit.Seq,
		"entries", len(entries),
		"segments", len(spilled.segments),
	)
	return commit, nil
}

// checkOperation compares op's expectation with the visible entry.
func checkOperation(op Operation, existing *persist.IndexEntry) (Conflict, bool) {
	conflict := func(t ConflictType) (Conflict, bool) {
		return Conflict{Type: t, Key: op.Key, Existing: existing}, false
	}
	if existing == nil {
		if op.Expected != nil || op.Action == persist.ActionRemove {
			return conflict(ConflictKeyMissing)
		}
		return Conflict{}, true
	}
	if op.Expected == nil && op.Action == persist.ActionAdd {
		return conflict(ConflictKeyExists)
	}
	if op.Expected != nil && *op.Expected != existing.Value {
		return conflict(ConflictValueDiffers)
	}
	if op.ContentID != "" && op.ContentID != existing.ContentID {
		return conflict(ConflictContentIDDiffers)
	}
	return Conflict{}, true
}

// IsConflict reports whether err is a commit conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
