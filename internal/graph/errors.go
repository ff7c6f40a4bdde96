package graph

import (
	"errors"
	"fmt"

	"github.com/basket/taskgraph/internal/shared"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("version conflict")
	ErrDanglingReference    = errors.New("dangling reference")
	ErrConsistencyViolation = errors.New("history ledger and snapshot disagree")
)

var sentinelByKind = map[shared.ErrorKind]error{
	shared.KindValidation:           ErrValidation,
	shared.KindNotFound:             ErrNotFound,
	shared.KindConflict:             ErrConflict,
	shared.KindDanglingReference:    ErrDanglingReference,
	shared.KindConsistencyViolation: ErrConsistencyViolation,
}

// Error is the store's typed error. Expected and Actual are set for
// conflicts and consistency violations.
type Error struct {
	Kind     shared.ErrorKind
	Op       string
	EntityID string
	Expected int
	Actual   int
	Reason   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Reason)
	if e.EntityID != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.EntityID, e.Reason)
	}
	if e.Kind == shared.KindConflict {
		msg += fmt.Sprintf(" (expected version %d, actual %d)", e.Expected, e.Actual)
	}
	return msg
}

func (e *Error) ErrorKind() shared.ErrorKind { return e.Kind }

func (e *Error) Is(target error) bool {
	return sentinelByKind[e.Kind] == target
}

func validationError(op, id, format string, args ...any) *Error {
	return &Error{Kind: shared.KindValidation, Op: op, EntityID: id, Reason: fmt.Sprintf(format, args...)}
}

func notFoundError(op, id string, kind EntityKind) *Error {
	return &Error{Kind: shared.KindNotFound, Op: op, EntityID: id, Reason: string(kind) + " does not exist or is deleted"}
}

func conflictError(op, id string, expected, actual int) *Error {
	return &Error{Kind: shared.KindConflict, Op: op, EntityID: id, Expected: expected, Actual: actual, Reason: "stale version"}
}

func danglingError(op, nodeID, role string) *Error {
	return &Error{Kind: shared.KindDanglingReference, Op: op, EntityID: nodeID, Reason: role + " node does not exist or is deleted"}
}

func consistencyError(op, id string, expected, actual int, reason string) *Error {
	return &Error{Kind: shared.KindConsistencyViolation, Op: op, EntityID: id, Expected: expected, Actual: actual, Reason: reason}
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err is a missing or deleted entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
