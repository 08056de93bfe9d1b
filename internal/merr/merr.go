// Package merr defines the typed error taxonomy shared across this module's
// components, reifying the abstract error classes every package reports
// against: not-found, bad input, precondition failure, out-of-range, and the
// two flavors of "something is wrong that a retry won't fix" (internal bugs
// vs. on-disk data loss).
package merr

import "fmt"

// Code classifies an Error so callers (an HTTP layer, a CLI, a retry loop)
// can react to the failure kind without string-matching messages.
type Code int

const (
	// Unknown is never returned by this module; it exists so a zero Code
	// value is recognizably unset rather than silently "Internal".
	Unknown Code = iota
	// NotFound: the requested camera, stream, recording, or file doesn't
	// exist.
	NotFound
	// InvalidArgument: the caller supplied a malformed or out-of-range
	// argument (e.g. non-monotonic sample timestamps).
	InvalidArgument
	// FailedPrecondition: the request is well-formed but the system isn't
	// in a state that allows it (e.g. writing to a stream that hasn't been
	// opened).
	FailedPrecondition
	// OutOfRange: a byte range or time range request falls outside what
	// exists.
	OutOfRange
	// Internal: a bug, or a precondition the code itself is supposed to
	// guarantee was violated.
	Internal
	// DataLoss: on-disk state is missing or corrupt in a way that can't be
	// repaired automatically (a sample file the database expects is gone).
	DataLoss
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case FailedPrecondition:
		return "failed_precondition"
	case OutOfRange:
		return "out_of_range"
	case Internal:
		return "internal"
	case DataLoss:
		return "data_loss"
	default:
		return "unknown"
	}
}

// Error is a typed, optionally-wrapped error.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps err, so errors.Is/errors.As still see it.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is an *Error with the given code, unwrapping
// through any wrapper errors in between.
func Is(err error, code Code) bool {
	for err != nil {
		if me, ok := err.(*Error); ok {
			return me.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
