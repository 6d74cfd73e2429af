// Package apperr defines the error taxonomy shared by the workout engine,
// its persistence gateways and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the broad category of a failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindPersistence   Kind = "persistence"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Lifecycle
	CodeRoutineEmpty        Code = "ROUTINE_EMPTY"
	CodeSessionNotActive    Code = "SESSION_NOT_ACTIVE"
	CodeSessionEnding       Code = "SESSION_ENDING"
	CodeSessionAlreadyOpen  Code = "SESSION_ALREADY_OPEN"
	CodeNoActingIdentity    Code = "NO_ACTING_IDENTITY"
	CodeNoAuthenticatedUser Code = "NO_AUTHENTICATED_IDENTITY"
	CodeNotSessionSubject   Code = "NOT_SESSION_SUBJECT"
	CodeInvalidSection      Code = "INVALID_SECTION"
	CodeExerciseHasNoSets   Code = "EXERCISE_HAS_NO_SETS"

	// Sets and exercises
	CodeSetLocked              Code = "SET_LOCKED"
	CodeSetNotComplete         Code = "SET_NOT_COMPLETE"
	CodeExerciseDeleteRequired Code = "EXERCISE_DELETE_REQUIRED"
	CodeInvalidGesture         Code = "INVALID_GESTURE"

	// Storage
	CodeNotFound    Code = "NOT_FOUND"
	CodeWriteFailed Code = "WRITE_FAILED"
	CodeReadFailed  Code = "READ_FAILED"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, and by code when the sentinel carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrAuthorization = &Error{Kind: KindAuthorization}

	ErrExerciseDeleteRequired = &Error{Kind: KindConflict, Code: CodeExerciseDeleteRequired}
)

func Validation(op string, code Code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Conflict(op string, code Code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Authorization(op string, code Code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a gateway failure. An err that is already classified is
// returned unchanged so not-found and conflict results keep their kind.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindPersistence, Code: CodeWriteFailed, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// CodeOf returns the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return CodeUnknown
}
