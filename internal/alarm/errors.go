package alarm

import (
	"errors"
	"fmt"
)

// Kind classifies domain errors. Every Kind is surfaced synchronously to the
// caller and leaves engine state unchanged.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindOwnership      Kind = "ownership"
	KindLimitExceeded  Kind = "limit_exceeded"
	KindRateLimited    Kind = "rate_limited"
	KindSnoozeDisabled Kind = "snooze_disabled"
	KindMaxSnoozes     Kind = "max_snoozes"
	KindInvalidState   Kind = "invalid_state"
	KindInvariant      Kind = "invariant"
	KindInternal       Kind = "internal"
)

// Error is a domain error.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "alarm: " + string(e.Kind)
	}
	return "alarm: " + string(e.Kind) + ": " + e.Msg
}

// Is matches on Kind, so errors.Is(err, ErrNotFound) holds for any not_found error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrOwnership      = &Error{Kind: KindOwnership}
	ErrLimitExceeded  = &Error{Kind: KindLimitExceeded}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
	ErrSnoozeDisabled = &Error{Kind: KindSnoozeDisabled}
	ErrMaxSnoozes     = &Error{Kind: KindMaxSnoozes}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrInvariant      = &Error{Kind: KindInvariant}
)

// Errorf builds a domain error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or KindInternal if err is not a domain error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return KindInternal
}
