// Package perr defines the error taxonomy surfaced at the PersistApp
// boundary. Every public call in this module returns either a value or an
// error that is, or wraps, an *Error.
package perr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable machine-readable error classification.
type Kind string

const (
	Validation            Kind = "validation"
	NotFound              Kind = "not_found"
	UniqueConflict         Kind = "unique_conflict"
	OptimisticLockConflict Kind = "optimistic_lock_conflict"
	WriteWriteConflict     Kind = "write_write_conflict"
	RouteStale             Kind = "route_stale"
	QuorumNotMet           Kind = "quorum_not_met"
	Storage                Kind = "storage"
	Internal               Kind = "internal"
)

// Error is the concrete error type returned across the PersistApp boundary.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a tagged error with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds a tagged error around an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal when err does not
// wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, "not-found", fmt.Sprintf(format, args...))
}

func Validationf(code, format string, args ...any) *Error {
	return New(Validation, code, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, "internal", fmt.Sprintf(format, args...))
}

func Storagef(cause error, format string, args ...any) *Error {
	return Wrap(Storage, "storage", fmt.Sprintf(format, args...), cause)
}

// IsLockContention reports whether cause is SQLite reporting that the
// database, or a table within it, is locked by another writer, matched the
// same way a UNIQUE constraint violation is: on the driver's error text.
func IsLockContention(cause error) bool {
	if cause == nil {
		return false
	}
	msg := cause.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// StorageOrConflictf wraps cause as Storage, unless cause is SQLite lock
// contention, in which case it is tagged WriteWriteConflict instead so a
// conflict-retry policy can catch and retry the write.
func StorageOrConflictf(cause error, format string, args ...any) *Error {
	if IsLockContention(cause) {
		return Wrap(WriteWriteConflict, "write-write-conflict", fmt.Sprintf(format, args...), cause)
	}
	return Storagef(cause, format, args...)
}

func UniqueConflictf(code, format string, args ...any) *Error {
	return New(UniqueConflict, code, fmt.Sprintf(format, args...))
}

func OptimisticLockConflictf(format string, args ...any) *Error {
	return New(OptimisticLockConflict, "optimistic-lock-conflict", fmt.Sprintf(format, args...))
}

func WriteWriteConflictf(format string, args ...any) *Error {
	return New(WriteWriteConflict, "write-write-conflict", fmt.Sprintf(format, args...))
}

func RouteStalef(format string, args ...any) *Error {
	return New(RouteStale, "route-stale", fmt.Sprintf(format, args...))
}

func QuorumNotMetf(format string, args ...any) *Error {
	return New(QuorumNotMet, "quorum-not-met", fmt.Sprintf(format, args...))
}
