// Package fserr carries the error classification used across ForestShield.
// Every failure that crosses a component boundary is wrapped in an *Error so
// callers can decide on retries, HTTP status codes, and CLI exit codes without
// string matching.
package fserr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind is the category of an error.
type Kind string

const (
	KindValidation Kind = "validation" // bad caller input, never retried
	KindNotFound   Kind = "not_found"  // entity absent, never retried
	KindConflict   Kind = "conflict"   // conditional update lost, retry with reread
	KindTransient  Kind = "transient"  // remote I/O, timeout, rate limit
	KindCapacity   Kind = "capacity"   // queue full or concurrency limit hit
	KindFatal      Kind = "fatal"      // internal invariant violation
	KindPartial    Kind = "partial"    // some child branches failed
)

// Base sentinels for errors.Is checks against the kinds.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient failure")
	ErrCapacity   = errors.New("capacity exceeded")
	ErrFatal      = errors.New("fatal")
	ErrPartial    = errors.New("partial failure")
)

// Error is a structured error for ForestShield operations.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "save_new_model"
	Resource  string // identifier of the affected entity, if any
	Err       error  // underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the kind sentinels.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrCapacity:
		return e.Kind == KindCapacity
	case ErrFatal:
		return e.Kind == KindFatal
	case ErrPartial:
		return e.Kind == KindPartial
	}
	return errors.Is(e.Err, target)
}

// E wraps err with a kind and operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindTransient || kind == KindConflict,
	}
}

// Ef is E with a formatted message as the underlying error.
func Ef(kind Kind, op, format string, args ...interface{}) *Error {
	return E(kind, op, fmt.Errorf(format, args...))
}

// WithResource attaches the affected entity identifier.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// KindOf returns the classification of err, defaulting to Fatal for
// unclassified errors and Transient for context/network failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindFatal
}

// IsRetryable reports whether err should be retried under a retry policy.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	k := KindOf(err)
	return k == KindTransient || k == KindConflict
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindCapacity:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 1 validation, 2 backend unavailable, 3 not found.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindValidation:
		return 1
	case KindNotFound:
		return 3
	case KindTransient, KindCapacity:
		return 2
	default:
		return 1
	}
}

// FromHTTPStatus classifies a remote worker response code.
func FromHTTPStatus(op string, code int, err error) *Error {
	switch {
	case code == http.StatusBadRequest:
		return E(KindValidation, op, err)
	case code == http.StatusNotFound:
		return E(KindNotFound, op, err)
	case code == http.StatusConflict:
		return E(KindConflict, op, err)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return E(KindTransient, op, err)
	default:
		return E(KindFatal, op, err)
	}
}
