// Package apierrors defines the abstract error kinds shared by the
// admission service, the worker, and the HTTP boundary.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error kinds from the error-handling design.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindTransientUpstream Kind = "transient_upstream"
	KindPermanentUpstream Kind = "permanent_upstream"
	KindInfrastructureDown Kind = "infrastructure_down"
)

// httpStatus maps each kind to the stable HTTP status the boundary emits.
var httpStatus = map[Kind]int{
	KindValidation:         400,
	KindNotFound:           404,
	KindForbidden:          403,
	KindQuotaExceeded:      429,
	KindTransientUpstream:  503,
	KindPermanentUpstream:  502,
	KindInfrastructureDown: 503,
}

// Error is the concrete error type carried through the system. Server-side
// detail lives in Err and is never rendered to the client; Message is the
// stable human-readable text for the HTTP boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the stable machine-readable status code for this kind.
func (e *Error) HTTPStatus() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return 500
}

func newErr(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string, err error) *Error        { return newErr(KindValidation, message, err) }
func NotFound(message string, err error) *Error          { return newErr(KindNotFound, message, err) }
func Forbidden(message string, err error) *Error         { return newErr(KindForbidden, message, err) }
func QuotaExceeded(message string, err error) *Error     { return newErr(KindQuotaExceeded, message, err) }
func TransientUpstream(message string, err error) *Error { return newErr(KindTransientUpstream, message, err) }
func PermanentUpstream(message string, err error) *Error { return newErr(KindPermanentUpstream, message, err) }
func InfrastructureDown(message string, err error) *Error {
	return newErr(KindInfrastructureDown, message, err)
}

// Is reports whether err carries the given Kind, unwrapping through the
// standard chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
