// Package relayerr defines the error taxonomy shared by the session core
// and both façades. Every failure the relay surfaces to a caller carries a
// stable Kind so transports can map it to a status code without string
// matching.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of relay failure. Values are wire-stable.
type Kind string

const (
	KindSessionNotFound     Kind = "SESSION_NOT_FOUND"
	KindSessionLimitReached Kind = "SESSION_LIMIT_REACHED"
	KindSessionExpired      Kind = "SESSION_EXPIRED"
	KindInvalidSessionState Kind = "INVALID_SESSION_STATE"
	KindBreakpointInvalid   Kind = "BREAKPOINT_INVALID"
	KindDebugpyTimeout      Kind = "DEBUGPY_TIMEOUT"
	KindDAPConnectionError  Kind = "DAP_CONNECTION_ERROR"
	KindDAPNotInitialized   Kind = "DAP_NOT_INITIALIZED"
	KindLaunchFailed        Kind = "LAUNCH_FAILED"
	KindLaunchScriptMissing Kind = "LAUNCH_SCRIPT_NOT_FOUND"
	KindAttachFailed        Kind = "ATTACH_FAILED"
	KindThreadNotFound      Kind = "THREAD_NOT_FOUND"
	KindFrameNotFound       Kind = "FRAME_NOT_FOUND"
	KindEvaluateError       Kind = "EVALUATE_ERROR"
	KindPersistenceWrite    Kind = "PERSISTENCE_WRITE_FAILED"
	KindPersistenceFormat   Kind = "PERSISTENCE_INVALID_FORMAT"
	KindInvalidRequest      Kind = "INVALID_REQUEST"
)

// Error is a relay failure with a stable kind and optional detail fields.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New creates an Error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records cause as the underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: cause}
}

// WithDetails attaches detail fields and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf returns the Kind of err if it is (or wraps) a relay Error,
// or "" otherwise.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the REST façade responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindSessionNotFound, KindThreadNotFound, KindFrameNotFound:
		return http.StatusNotFound
	case KindSessionLimitReached:
		return http.StatusTooManyRequests
	case KindSessionExpired:
		return http.StatusGone
	case KindInvalidSessionState:
		return http.StatusConflict
	case KindBreakpointInvalid, KindInvalidRequest, KindLaunchScriptMissing, KindLaunchFailed, KindAttachFailed, KindEvaluateError:
		return http.StatusBadRequest
	case KindDebugpyTimeout:
		return http.StatusGatewayTimeout
	case KindDAPConnectionError:
		return http.StatusBadGateway
	case KindDAPNotInitialized:
		return http.StatusConflict
	case KindPersistenceWrite, KindPersistenceFormat:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
