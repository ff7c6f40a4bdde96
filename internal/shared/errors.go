package shared

import (
	"context"
	"errors"
)

// ErrorKind is the stable, machine-readable class of an error surfaced to
// callers of the store and the workflow engine.
type ErrorKind string

const (
	KindValidation             ErrorKind = "VALIDATION"
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindConflict               ErrorKind = "CONFLICT"
	KindDanglingReference      ErrorKind = "DANGLING_REFERENCE"
	KindInvalidTransition      ErrorKind = "INVALID_TRANSITION"
	KindClarificationExhausted ErrorKind = "CLARIFICATION_EXHAUSTED"
	KindTransientUpstream      ErrorKind = "TRANSIENT_UPSTREAM"
	KindConsistencyViolation   ErrorKind = "CONSISTENCY_VIOLATION"
	KindCanceled               ErrorKind = "CANCELED"
	KindInternal               ErrorKind = "INTERNAL"
)

// Retryable reports whether a caller may retry the operation unchanged
// (after re-reading, for conflicts).
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConflict, KindTransientUpstream:
		return true
	default:
		return false
	}
}

// KindCarrier is implemented by errors that expose an ErrorKind.
type KindCarrier interface {
	ErrorKind() ErrorKind
}

// KindOf returns the kind of the first error in err's chain that carries
// one. Context cancellation maps to KindCanceled and everything else to
// KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var kc KindCarrier
	if errors.As(err, &kc) {
		return kc.ErrorKind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}
