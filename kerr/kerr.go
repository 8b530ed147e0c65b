// Package kerr defines the closed error-kind taxonomy used across the
// volume, journal and control surface, matching spec.md section 7. Callers
// branch on kind with Is; the underlying cause (if any) is preserved via
// github.com/pkg/errors so that %+v prints a stack-annotated trail during
// development without changing what Is sees.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the fixed error categories from spec.md section 7.
type Kind int

const (
	Success Kind = iota
	InvalidValue
	InvalidState
	NoMemory
	NotFound
	AlreadyExists
	PermissionDenied
	Busy
	BadMagic
	BadSize
	DataCorrupt
	UnexpectedEOF
	Overlap
	IoError
	Cancelled
	UnknownCode
	NotImplemented
	NotExecuted
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case InvalidValue:
		return "invalid value"
	case InvalidState:
		return "invalid state"
	case NoMemory:
		return "no memory"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case PermissionDenied:
		return "permission denied"
	case Busy:
		return "busy"
	case BadMagic:
		return "bad magic"
	case BadSize:
		return "bad size"
	case DataCorrupt:
		return "data corrupt"
	case UnexpectedEOF:
		return "unexpected eof"
	case Overlap:
		return "overlap"
	case IoError:
		return "io error"
	case Cancelled:
		return "cancelled"
	case UnknownCode:
		return "unknown code"
	case NotImplemented:
		return "not implemented"
	case NotExecuted:
		return "not executed"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with an optional wrapped cause.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error with no wrapped cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap attaches call-site context to cause and tags it with kind. A nil
// cause is preserved as New(kind).
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// Is reports whether err (or something it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var kerr *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			kerr = e
			break
		}
		err = errors.Unwrap(err)
	}
	return kerr != nil && kerr.Kind == kind
}

// KindOf extracts the Kind carried by err, or Success if err does not carry
// one (including err == nil, which is not itself an error condition but is
// a convenient default for callers that always check err != nil first).
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		err = errors.Unwrap(err)
	}
	return Success
}
