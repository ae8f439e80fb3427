// Package errs defines the error kinds surfaced by the dispatch engine.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	NotFound            Kind = "not_found"
	InvalidTransition   Kind = "invalid_transition"
	Forbidden           Kind = "forbidden"
	Validation          Kind = "validation"
	InsufficientFunds   Kind = "insufficient_funds"
	UpstreamService     Kind = "upstream_service"
	ConcurrencyConflict Kind = "concurrency_conflict"
	PricingNotFound     Kind = "pricing_not_found"
)

// Error carries a Kind so callers can branch with errors.Is against the
// sentinels below without caring about the message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind when the target is a bare sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

var (
	ErrNotFound            = &Error{Kind: NotFound}
	ErrInvalidTransition   = &Error{Kind: InvalidTransition}
	ErrForbidden           = &Error{Kind: Forbidden}
	ErrValidation          = &Error{Kind: Validation}
	ErrInsufficientFunds   = &Error{Kind: InsufficientFunds}
	ErrUpstreamService     = &Error{Kind: UpstreamService}
	ErrConcurrencyConflict = &Error{Kind: ConcurrencyConflict}
	ErrPricingNotFound     = &Error{Kind: PricingNotFound}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
