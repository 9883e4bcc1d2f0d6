// Package repoerr defines the error taxonomy surfaced by the repository
// engine. Every failure a caller can observe from a query, write or live
// subscription is one of these kinds, possibly wrapped.
package repoerr

import (
	"errors"
	"fmt"
)

// Code categorizes repository errors.
type Code string

const (
	// CodeConflict indicates a version mismatch on write, or a duplicate key
	// on insert where an update was expected. Always retryable by re-running
	// the read-modify-write cycle.
	CodeConflict Code = "CONCURRENCY_CONFLICT"

	// CodeTimeout indicates an operation exceeded its deadline. The original
	// cause is attached.
	CodeTimeout Code = "TIMEOUT"

	// CodeUnsupported indicates the compiler has no reducer for an operator
	// or value-kind combination. Not retryable.
	CodeUnsupported Code = "UNSUPPORTED_EXPRESSION"

	// CodeSchema indicates entity metadata could not be resolved to a backend
	// construct.
	CodeSchema Code = "SCHEMA_ERROR"

	// CodeBackend is an opaque pass-through of any other backend failure.
	CodeBackend Code = "BACKEND_ERROR"
)

// Error is a repository error with structured fields for diagnostics.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op is the operation that failed (e.g. "upsert", "query").
	Op string

	// Entity is the entity type name, when known.
	Entity string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Entity != "" {
		msg += " " + e.Entity
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// Conflict reports a version mismatch on entity key.
func Conflict(op, entity string, key any, version int64) *Error {
	return &Error{
		Code:    CodeConflict,
		Op:      op,
		Entity:  entity,
		Message: fmt.Sprintf("key %v changed since version %d", key, version),
	}
}

// DuplicateKey reports an insert that lost a race with another insert.
func DuplicateKey(op, entity string, key any, cause error) *Error {
	return &Error{
		Code:    CodeConflict,
		Op:      op,
		Entity:  entity,
		Message: fmt.Sprintf("key %v already exists", key),
		Err:     cause,
	}
}

// Timeout wraps the cause of an expired deadline.
func Timeout(op string, cause error) *Error {
	return &Error{Code: CodeTimeout, Op: op, Message: "deadline exceeded", Err: cause}
}

// Unsupported reports an expression the compiler cannot render.
func Unsupported(what string) *Error {
	return &Error{Code: CodeUnsupported, Message: what}
}

// Schema reports unresolvable entity metadata.
func Schema(entity, format string, args ...any) *Error {
	return &Error{Code: CodeSchema, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

// Backend wraps any other backend failure. A nil cause yields nil, and an
// error that already carries a repository code is returned unchanged.
func Backend(op, entity string, cause error) error {
	if cause == nil {
		return nil
	}
	var re *Error
	if errors.As(cause, &re) {
		return cause
	}
	return &Error{Code: CodeBackend, Op: op, Entity: entity, Err: cause}
}

// is walks the whole error tree. errors.As stops at the first *Error, which
// would hide a conflict joined after some other repository error.
func is(err error, code Code) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *Error:
		if e.Code == code {
			return true
		}
		return is(e.Err, code)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if is(inner, code) {
				return true
			}
		}
		return false
	default:
		return is(errors.Unwrap(err), code)
	}
}

// CodeOf returns the code of the first repository error in err's tree, or
// the empty code.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsConflict returns true if err is, wraps, or joins a concurrency conflict.
func IsConflict(err error) bool { return is(err, CodeConflict) }

// IsTimeout returns true if err is or wraps a timeout.
func IsTimeout(err error) bool { return is(err, CodeTimeout) }

// IsUnsupported returns true if err is or wraps an unsupported expression.
func IsUnsupported(err error) bool { return is(err, CodeUnsupported) }

// IsSchema returns true if err is or wraps a schema error.
func IsSchema(err error) bool { return is(err, CodeSchema) }

// IsBackend returns true if err is or wraps a backend error.
func IsBackend(err error) bool { return is(err, CodeBackend) }
