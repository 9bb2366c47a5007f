// Package errdefs defines the error taxonomy shared by the store client
// and the execution driver. Callers classify failures with the Is*
// predicates rather than matching on message text.
package errdefs

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed job or phase specification. It is
// never retried and is surfaced directly to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Bucket string
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Bucket == "" {
		return fmt.Sprintf("%q not found", e.Key)
	}
	return fmt.Sprintf("%s/%s not found", e.Bucket, e.Key)
}

// ConflictError reports an optimistic-concurrency token mismatch or an
// attempt to re-finalize an already-done task. Retryable only under a
// caller-supplied policy.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError reports an operation that is not legal for the
// record's current state, e.g. ending input on a piped job.
type InvalidStateError struct {
	Msg string
}

func (e *InvalidStateError) Error() string { return e.Msg }

func InvalidStatef(format string, args ...any) error {
	return &InvalidStateError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError reports an unreachable store or agent. Retried with
// backoff: bounded for store read-modify-write, unbounded for the
// driver's fetch and report calls.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamClientError reports a 4xx from the parent agent other than
// 409/410. It indicates a protocol bug and is fatal for the driver.
type UpstreamClientError struct {
	Op         string
	StatusCode int
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("%s: unexpected client error (status %d)", e.Op, e.StatusCode)
}

func IsValidation(err error) bool {
	var t *ValidationError
	return errors.As(err, &t)
}

func IsNotFound(err error) bool {
	var t *NotFoundError
	return errors.As(err, &t)
}

func IsConflict(err error) bool {
	var t *ConflictError
	return errors.As(err, &t)
}

func IsInvalidState(err error) bool {
	var t *InvalidStateError
	return errors.As(err, &t)
}

func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

func IsUpstreamClient(err error) bool {
	var t *UpstreamClientError
	return errors.As(err, &t)
}
