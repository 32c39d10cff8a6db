// Package apperr defines the closed set of failure kinds the services surface
// and how each maps onto an HTTP status.
package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	Unauthorized
	Forbidden
	NotFound
	Gone
	Conflict
	BadSignature
	UpstreamFailure
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "VALIDATION_ERROR"
	case Unauthorized:
		return "UNAUTHORIZED"
	case Forbidden:
		return "FORBIDDEN"
	case NotFound:
		return "NOT_FOUND"
	case Gone:
		return "GONE"
	case Conflict:
		return "CONFLICT"
	case BadSignature:
		return "BAD_SIGNATURE"
	case UpstreamFailure:
		return "UPSTREAM_FAILURE"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus returns the status code the boundary layer answers with.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized, BadSignature:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Gone:
		return http.StatusGone
	case Conflict:
		return http.StatusConflict
	case UpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Code is a short machine readable reason
// ("invalid_state", "email_mismatch"); it defaults to the kind name.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// PublicCode is the code written to clients.
func (e *Error) PublicCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.String()
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func NewValidation(code, msg string) *Error    { return New(Validation, code, msg) }
func NewUnauthorized(msg string) *Error        { return New(Unauthorized, "", msg) }
func NewForbidden(code, msg string) *Error     { return New(Forbidden, code, msg) }
func NewNotFound(msg string) *Error            { return New(NotFound, "", msg) }
func NewGone(code, msg string) *Error          { return New(Gone, code, msg) }
func NewConflict(code, msg string) *Error      { return New(Conflict, code, msg) }
func NewBadSignature(code, msg string) *Error  { return New(BadSignature, code, msg) }
func NewUpstream(msg string, cause error) *Error {
	return Wrap(UpstreamFailure, "", msg, cause)
}
func NewInternal(msg string, cause error) *Error { return Wrap(Internal, "", msg, cause) }

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf classifies err. Anything unclassified is Internal.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return Internal
}
