package custody

import (
	"errors"
	"fmt"
)

// Kind is a stable machine-readable error class. API clients branch on the
// kind, never on the message text.
type Kind string

const (
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindNotFound          Kind = "NOT_FOUND"
	KindIllegalTransition Kind = "ILLEGAL_TRANSITION"
	KindConflict          Kind = "CONFLICT"
	KindKeyUnavailable    Kind = "KEY_UNAVAILABLE"
	KindAlreadyIssued     Kind = "ALREADY_ISSUED"
	KindNotOpen           Kind = "NOT_OPEN"
	KindDuplicatePending  Kind = "DUPLICATE_PENDING"
	KindInvalidReference  Kind = "INVALID_REFERENCE"
	KindExpired           Kind = "EXPIRED"
	KindTooManyAttempts   Kind = "TOO_MANY_ATTEMPTS"
	KindInvalidCode       Kind = "INVALID_CODE"
	KindBusy              Kind = "BUSY"
	KindInternal          Kind = "INTERNAL"
)

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match two custody errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the kind from any error in the chain; non-custody errors
// report KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// E builds a custody error.
func E(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a custody error around a cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
