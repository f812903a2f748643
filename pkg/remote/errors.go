package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies remote failures so callers can decide between
// skip-and-retry-next-pass (transient), fail-without-retry (not found,
// bad payload) and silent drop (unauthorized).
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindNotFound
	KindUnauthorized
	KindBadPayload
)

// Error is a typed remote failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	kind := "transient"
	switch e.Kind {
	case KindNotFound:
		kind = "not found"
	case KindUnauthorized:
		kind = "unauthorized"
	case KindBadPayload:
		kind = "bad payload"
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err is a remote not-found failure.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsTransient reports whether err is a transient remote failure that the
// next reconciliation pass is expected to heal.
func IsTransient(err error) bool { return hasKind(err, KindTransient) }

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool { return hasKind(err, KindUnauthorized) }

func hasKind(err error, kind ErrorKind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}
