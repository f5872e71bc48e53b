// Package syncerr carries the stable error codes the sync protocol surfaces
// to front ends. Codes are wire data: they round-trip JSON and must never
// change once clients depend on them.
package syncerr

import (
	"errors"
	"fmt"
)

// Code is a stable protocol error code.
type Code string

const (
	CodeUnauthenticated          Code = "UNAUTHENTICATED"
	CodeForbidden                Code = "FORBIDDEN"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeSchemaVersionUnsupported Code = "SCHEMA_VERSION_UNSUPPORTED"
	CodeUnknownTable             Code = "UNKNOWN_TABLE"
	CodeConflict                 Code = "CONFLICT"
	CodeConstraintViolation      Code = "CONSTRAINT_VIOLATION"
	CodeStorageError             Code = "STORAGE_ERROR"
	CodeSnapshotRowTooLarge      Code = "SNAPSHOT_ROW_TOO_LARGE"
	CodeSnapshotFormatError      Code = "SNAPSHOT_FORMAT_ERROR"
	CodeCursorAheadOfLog         Code = "CURSOR_AHEAD_OF_LOG"
)

// Error is a protocol error with a stable code. Retriable indicates whether
// the front end may safely retry the whole request.
type Error struct {
	Code      Code
	Message   string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a protocol code to an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Storage wraps a database or blob backend failure. Storage errors are
// retriable at the front-end level.
func Storage(cause error, format string, args ...any) *Error {
	return &Error{
		Code:      CodeStorageError,
		Message:   fmt.Sprintf(format, args...),
		Retriable: true,
		cause:     cause,
	}
}

// CodeOf extracts the protocol code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given protocol code.
func IsCode(err error, code Code) bool { return CodeOf(err) == code }
