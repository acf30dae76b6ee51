// Package apperr classifies domain failures so transport layers can map them
// to a status without knowing every concrete error type.
package apperr

import (
	"github.com/go-faster/errors"
)

// Kind is the classification of a domain failure.
type Kind int

const (
	// Internal is the zero Kind: anything not explicitly classified.
	Internal Kind = iota
	// Validation marks malformed or missing input that the caller can correct.
	Validation
	// NotFound marks an absent resource, or one invisible to the caller.
	NotFound
	// Authorization marks an authenticated caller lacking the capability.
	Authorization
	// StateConflict marks an illegal state transition.
	StateConflict
	// ExternalService marks an unreachable or rejecting remote dependency.
	ExternalService
	// Integrity marks a failed authenticity check (e.g. signature mismatch).
	Integrity
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Authorization:
		return "authorization"
	case StateConflict:
		return "state_conflict"
	case ExternalService:
		return "external_service"
	case Integrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error is a classified error. Sentinel values of *Error are compared by
// identity with errors.Is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns a classified error with the given message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err under kind. The message is what callers get to see;
// err is kept for logs and errors.Is/As chains.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Kinded is implemented by typed errors that carry their own classification.
type Kinded interface {
	error
	ErrorKind() Kind
}

// ErrorKind implements Kinded.
func (e *Error) ErrorKind() Kind { return e.Kind }

// KindOf returns the classification of the outermost classified error in
// err's chain, or Internal.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return Internal
}

// PublicMessage returns the caller-facing message of err. Unclassified errors
// never leak their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Error()
	}
	return "internal error"
}
