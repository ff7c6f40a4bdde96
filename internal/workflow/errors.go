package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basket/taskgraph/internal/shared"
)

type kindError struct {
	kind shared.ErrorKind
	msg  string
}

func (k *kindError) Error() string                { return k.msg }
func (k *kindError) ErrorKind() shared.ErrorKind { return k.kind }

var (
	ErrSessionNotFound        error = &kindError{shared.KindNotFound, "session not found"}
	ErrInvalidTransition      error = &kindError{shared.KindInvalidTransition, "invalid transition"}
	ErrClarificationExhausted error = &kindError{shared.KindClarificationExhausted, "clarification rounds exhausted"}
	ErrTransientUpstream      error = &kindError{shared.KindTransientUpstream, "generator unavailable"}
	ErrValidation             error = &kindError{shared.KindValidation, "invalid input"}
)

var sentinelByKind = map[shared.ErrorKind]error{
	shared.KindInvalidTransition:      ErrInvalidTransition,
	shared.KindClarificationExhausted: ErrClarificationExhausted,
	shared.KindTransientUpstream:      ErrTransientUpstream,
	shared.KindValidation:             ErrValidation,
}

// Error is returned by every Engine operation. Stage is the session's stage
// when the call was rejected, which is also where it still is.
type Error struct {
	Kind      shared.ErrorKind
	Op        string
	Stage     Stage
	SessionID string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("workflow")
	if e.Op != "" {
		b.WriteString(" " + e.Op)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " at %s", e.Stage)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", e.SessionID)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error               { return e.Err }
func (e *Error) ErrorKind() shared.ErrorKind { return e.Kind }

// Is matches the package sentinels by kind, so callers can write
// errors.Is(err, workflow.ErrInvalidTransition).
func (e *Error) Is(target error) bool {
	s, ok := sentinelByKind[e.Kind]
	return ok && s == target
}

func newError(kind shared.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func invalidTransition(format string, args ...any) *Error {
	return newError(shared.KindInvalidTransition, format, args...)
}

func validation(format string, args ...any) *Error {
	return newError(shared.KindValidation, format, args...)
}

// annotate fills in the op, session and stage of err, wrapping errors from
// other packages so the caller always gets a *Error.
func annotate(op, sessionID string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		if werr.Op == "" {
			werr.Op = op
		}
		if werr.SessionID == "" {
			werr.SessionID = sessionID
		}
		if werr.Stage == "" {
			werr.Stage = stage
		}
		return werr
	}
	return &Error{Kind: shared.KindOf(err), Op: op, Stage: stage, SessionID: sessionID, Err: err}
}

// StageOf returns the stage reported by a workflow error, or "".
func StageOf(err error) Stage {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Stage
	}
	return ""
}
