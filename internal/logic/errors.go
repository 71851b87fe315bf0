package logic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/systemshift/memex-vstore/internal/persist"
)

var (
	// ErrConflict matches every *CommitConflictError.
	ErrConflict = errors.New("commit conflict")

	// ErrBuilderConsumed is returned when a CommitBuilder is used after
	// Commit was called on it, whether or not that call succeeded.
	ErrBuilderConsumed = errors.New("commit builder already consumed")
)

// ConflictType classifies a mismatch between an operation's expectation
// and the value visible at the parent commit.
type ConflictType int

const (
	ConflictKeyExists ConflictType = iota + 1
	ConflictKeyMissing
	ConflictValueDiffers
	ConflictContentIDDiffers
)

func (t ConflictType) String() string {
	switch t {
	case ConflictKeyExists:
		return "KEY_EXISTS"
	case ConflictKeyMissing:
		return "KEY_MISSING"
	case ConflictValueDiffers:
		return "VALUE_DIFFERS"
	case ConflictContentIDDiffers:
		return "CONTENT_ID_DIFFERS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Conflict describes one rejected operation. Existing is nil when the key
// has no visible value at the parent.
type Conflict struct {
	Type     ConflictType
	Key      persist.StoreKey
	Existing *persist.IndexEntry
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s on %s", c.Type, c.Key)
}

// CommitConflictError lists every conflicting operation of one commit.
type CommitConflictError struct {
	Conflicts []Conflict
}

func (e *CommitConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return "commit conflict: " + strings.Join(parts, ", ")
}

func (e *CommitConflictError) Is(target error) bool { return target == ErrConflict }
