package gateway

import (
	"fmt"
	"net/http"

	"github.com/basket/taskgraph/internal/shared"
	"github.com/basket/taskgraph/internal/workflow"
)

// JSON-RPC codes. Application failures use ErrCodeApp with the error body
// in data.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	ErrCodeApp = 1000
)

// Gateway-level kinds that never come out of the store or the engine.
const (
	kindUnauthorized = "UNAUTHORIZED"
	kindRateLimited  = "RATE_LIMITED"
)

// statusClientClosed is the conventional status for a request the caller
// abandoned.
const statusClientClosed = 499

type apiError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

// paramError is a malformed request parameter.
type paramError struct{ msg string }

func (e *paramError) Error() string                { return e.msg }
func (e *paramError) ErrorKind() shared.ErrorKind { return shared.KindValidation }

func badParam(format string, args ...any) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

func statusFor(kind shared.ErrorKind) int {
	switch kind {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict, shared.KindDanglingReference,
		shared.KindInvalidTransition, shared.KindClarificationExhausted:
		return http.StatusConflict
	case shared.KindTransientUpstream:
		return http.StatusServiceUnavailable
	case shared.KindCanceled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func toAPIError(err error) apiError {
	kind := shared.KindOf(err)
	msg := err.Error()
	if kind == shared.KindInternal {
		// Internal detail stays in the log.
		msg = "internal error"
	}
	return apiError{
		Kind:      string(kind),
		Message:   msg,
		Stage:     string(workflow.StageOf(err)),
		Retryable: kind.Retryable(),
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := toAPIError(err)
	status := statusFor(shared.ErrorKind(body.Kind))
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "route", r.Pattern, "kind", body.Kind, "error", err)
	}
	writeJSON(w, status, errorBody{Error: body})
}

func writeErrorMessage(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Error: apiError{Kind: kind, Message: msg}})
}
