// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"

	"github.com/example/kvstore/key"
)

// ErrCode represents the collection of errors that may be returned by a
// store backend.
type ErrCode int

const (
	// InternalErr indicates an unknown, internal error has occurred. It is
	// returned for invariant violations (e.g. a malformed task key) and for
	// rejected inputs that have no dedicated code (e.g. a scope colliding
	// with the disk backend's lock directory, or a queue task name
	// containing the queue's separator).
	InternalErr ErrCode = iota

	// IoErr indicates an underlying storage I/O failure, e.g. a filesystem
	// call failed.
	IoErr

	// BackendDriverErr indicates a driver-level failure from the relational
	// backend or its connection pool.
	BackendDriverErr

	// SerializationErr indicates a failure to encode or decode a JSON value.
	SerializationErr

	// InvalidSegmentErr indicates a string violates segment/namespace rules.
	InvalidSegmentErr

	// InvalidKeyErr indicates a key string could not be parsed into
	// (scope, name).
	InvalidKeyErr

	// UnknownKeyErr indicates an operation required a key that is absent.
	UnknownKeyErr

	// UnknownSchemeErr indicates a backend URI scheme was not recognised.
	UnknownSchemeErr

	// LockFailureErr indicates a transaction could not acquire its scope
	// lock within the backend's retry bounds.
	LockFailureErr

	// NamespaceMigrationErr indicates the preconditions for a namespace
	// migration were not met.
	NamespaceMigrationErr

	// OtherErr is a catch-all for invariant violations surfaced as messages.
	OtherErr
)

func (c ErrCode) String() string {
	switch c {
	case InternalErr:
		return "internal"
	case IoErr:
		return "io"
	case BackendDriverErr:
		return "backend_driver"
	case SerializationErr:
		return "serialization"
	case InvalidSegmentErr:
		return "invalid_segment"
	case InvalidKeyErr:
		return "invalid_key"
	case UnknownKeyErr:
		return "unknown_key"
	case UnknownSchemeErr:
		return "unknown_scheme"
	case LockFailureErr:
		return "lock_failure"
	case NamespaceMigrationErr:
		return "namespace_migration"
	default:
		return "other"
	}
}

// Error is the error type returned by every store backend.
type Error struct {
	Code    ErrCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store error (%s): %v: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("store error (%s): %v", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsUnknownKey returns true if err is an UnknownKeyErr.
func IsUnknownKey(err error) bool { return hasCode(err, UnknownKeyErr) }

// IsLockFailure returns true if err is a LockFailureErr.
func IsLockFailure(err error) bool { return hasCode(err, LockFailureErr) }

// IsUnknownScheme returns true if err is an UnknownSchemeErr.
func IsUnknownScheme(err error) bool { return hasCode(err, UnknownSchemeErr) }

// IsNamespaceMigration returns true if err is a NamespaceMigrationErr.
func IsNamespaceMigration(err error) bool { return hasCode(err, NamespaceMigrationErr) }

func hasCode(err error, code ErrCode) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code == code
	}
	return false
}

func internalErrorf(f string, a ...interface{}) *Error {
	return &Error{Code: InternalErr, Message: fmt.Sprintf(f, a...)}
}

func ioError(cause error, f string, a ...interface{}) *Error {
	return &Error{Code: IoErr, Message: fmt.Sprintf(f, a...), Cause: cause}
}

func backendDriverError(cause error, f string, a ...interface{}) *Error {
	return &Error{Code: BackendDriverErr, Message: fmt.Sprintf(f, a...), Cause: cause}
}

func serializationError(cause error, f string, a ...interface{}) *Error {
	return &Error{Code: SerializationErr, Message: fmt.Sprintf(f, a...), Cause: cause}
}

func invalidKeyError(cause error, input string) *Error {
	return &Error{Code: InvalidKeyErr, Message: fmt.Sprintf("invalid key %q", input), Cause: cause}
}

func unknownKeyError(k key.Key) *Error {
	return &Error{Code: UnknownKeyErr, Message: fmt.Sprintf("unknown key %q", k.String())}
}

func unknownSchemeError(scheme string) *Error {
	return &Error{Code: UnknownSchemeErr, Message: fmt.Sprintf("unknown backend scheme %q", scheme)}
}

func lockFailureError(scope key.Scope) *Error {
	return &Error{Code: LockFailureErr, Message: fmt.Sprintf("could not acquire lock for scope %q", scope.String())}
}

func namespaceMigrationError(f string, a ...interface{}) *Error {
	return &Error{Code: NamespaceMigrationErr, Message: fmt.Sprintf(f, a...)}
}

// WrapInvalidSegment converts a key.InvalidSegmentError or
// key.InvalidKeyError surfaced by the key package into a store Error with
// the matching code, preserving the cause for errors.Unwrap chains.
func WrapInvalidSegment(err error) error {
	if err == nil {
		return nil
	}
	var ike *key.InvalidKeyError
	if errors.As(err, &ike) {
		return invalidKeyError(err, ike.Input)
	}
	var ise *key.InvalidSegmentError
	if errors.As(err, &ise) {
		return &Error{Code: InvalidSegmentErr, Message: ise.Message, Cause: err}
	}
	return err
}

// UnknownKey constructs an UnknownKeyErr for the given key. Exported so
// backend packages outside store can construct it without duplicating the
// message format.
func UnknownKey(k key.Key) error { return unknownKeyError(k) }

// UnknownScheme constructs an UnknownSchemeErr for the given scheme.
func UnknownScheme(scheme string) error { return unknownSchemeError(scheme) }

// LockFailure constructs a LockFailureErr for the given scope.
func LockFailure(scope key.Scope) error { return lockFailureError(scope) }

// NamespaceMigration constructs a NamespaceMigrationErr with a
// human-readable reason.
func NamespaceMigration(f string, a ...interface{}) error { return namespaceMigrationError(f, a...) }

// Io constructs an IoErr wrapping cause.
func Io(cause error, f string, a ...interface{}) error { return ioError(cause, f, a...) }

// BackendDriver constructs a BackendDriverErr wrapping cause.
func BackendDriver(cause error, f string, a ...interface{}) error {
	return backendDriverError(cause, f, a...)
}

// Serialization constructs a SerializationErr wrapping cause.
func Serialization(cause error, f string, a ...interface{}) error {
	return serializationError(cause, f, a...)
}

// Internal constructs an InternalErr.
func Internal(f string, a ...interface{}) error { return internalErrorf(f, a...) }
