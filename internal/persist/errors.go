package persist

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Every typed error below matches exactly one.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConditionFailed = errors.New("reference condition failed")
	ErrTooLarge        = errors.New("object too large")
	ErrBackend         = errors.New("unhandled backend error")

	// ErrInvalidArgument reports a malformed call, such as adding a
	// reference that is already marked deleted.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ObjNotFoundError lists every requested id that could not be resolved,
// either because nothing is stored under it or because the stored bytes do
// not decode to the requested type.
type ObjNotFoundError struct {
	IDs   []ObjID
	Cause error
}

func (e *ObjNotFoundError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = id.String()
	}
	msg := "object(s) not found: " + strings.Join(ids, ", ")
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ObjNotFoundError) Is(target error) bool { return target == ErrNotFound }
func (e *ObjNotFoundError) Unwrap() error        { return e.Cause }

// RefNotFoundError reports a reference name that is not present.
type RefNotFoundError struct {
	Name string
}

func (e *RefNotFoundError) Error() string {
	return fmt.Sprintf("reference not found: %s", e.Name)
}

func (e *RefNotFoundError) Is(target error) bool { return target == ErrNotFound }

// RefAlreadyExistsError carries the reference occupying the name,
// tombstoned or not.
type RefAlreadyExistsError struct {
	Existing Reference
}

func (e *RefAlreadyExistsError) Error() string {
	return fmt.Sprintf("reference already exists: %s", e.Existing)
}

func (e *RefAlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// RefConditionFailedError carries the persisted state that did not match
// the caller's expectation.
type RefConditionFailedError struct {
	Actual Reference
}

func (e *RefConditionFailedError) Error() string {
	return fmt.Sprintf("reference condition failed, current state is %s", e.Actual)
}

func (e *RefConditionFailedError) Is(target error) bool { return target == ErrConditionFailed }

// ObjTooLargeError reports an index whose serialized size exceeds the
// configured limit.
type ObjTooLargeError struct {
	Size  int
	Limit int
}

func (e *ObjTooLargeError) Error() string {
	return fmt.Sprintf("serialized index size %d exceeds limit %d", e.Size, e.Limit)
}

func (e *ObjTooLargeError) Is(target error) bool { return target == ErrTooLarge }

// BackendError wraps a native backend failure. It is always fatal for the
// operation and is never retried by this package.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Is(target error) bool { return target == ErrBackend }
func (e *BackendError) Unwrap() error        { return e.Err }

// WrapBackend returns err as a *BackendError unless it already belongs to
// the store's error taxonomy.
func WrapBackend(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrAlreadyExists, ErrConditionFailed, ErrTooLarge, ErrBackend, ErrInvalidArgument} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}
