// Package errs defines the governance error taxonomy.
//
// Every user-visible failure carries a stable code, a message, and a
// remediation hint. Policy checks return these typed values instead of
// sentinel errors so the HTTP boundary can map them to status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a failure class in the governance taxonomy.
type Code string

const (
	// SchemaViolation covers malformed input, canonicalization failure,
	// and hash mismatch at ingest. Never retried.
	SchemaViolation Code = "SCHEMA_VIOLATION"
	// StaleSnapshot is a (class,tenant,slug,version) collision or an
	// upstream pin that is no longer publishable.
	StaleSnapshot Code = "STALE_SNAPSHOT"
	// PolicyViolation covers version mismatch, missing approvals, and
	// invalid waivers.
	PolicyViolation Code = "POLICY_VIOLATION"
	// LicensingBlock means the license tag forbids the requested export.
	LicensingBlock Code = "LICENSING_BLOCK"
	// SourceUnavailable means a referenced upstream id is missing or
	// rolled back.
	SourceUnavailable Code = "SOURCE_UNAVAILABLE"
	// NondeterministicOutput means a recomputed hash differs from the
	// stored hash, or the event chain broke. Reads fail closed.
	NondeterministicOutput Code = "NONDETERMINISTIC_OUTPUT"
	// RateLimited is a quota refusal; the caller retries after the
	// suggested interval.
	RateLimited Code = "RATE_LIMITED"
	// AuthFailed covers missing or invalid audit headers.
	AuthFailed Code = "AUTH_FAILED"
	// Timeout means a handler exceeded its deadline.
	Timeout Code = "TIMEOUT"
)

// Error is a taxonomy-coded error value.
type Error struct {
	Code        Code
	Message     string
	Remediation string
	// RetryAfter is set on RATE_LIMITED refusals.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error with the default remediation for the code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Remediation: defaultRemediation(code)}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

// WithRemediation overrides the default remediation hint.
func (e *Error) WithRemediation(hint string) *Error {
	e.Remediation = hint
	return e
}

// WithRetryAfter sets the suggested retry interval (RATE_LIMITED).
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// CodeOf extracts the taxonomy code from an error chain.
func CodeOf(err error) (Code, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// AsError returns the taxonomy error in the chain, if any.
func AsError(err error) (*Error, bool) {
	var te *Error
	ok := errors.As(err, &te)
	return te, ok
}

// Retryable reports whether a job failure with this error may be retried.
// Policy and schema violations are terminal.
func Retryable(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		// Untyped handler errors are treated as transient.
		return true
	}
	switch code {
	case Timeout, RateLimited, SourceUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a taxonomy code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case SchemaViolation:
		return http.StatusBadRequest
	case StaleSnapshot:
		return http.StatusConflict
	case PolicyViolation, LicensingBlock, SourceUnavailable:
		return http.StatusUnprocessableEntity
	case NondeterministicOutput:
		return http.StatusInternalServerError
	case RateLimited:
		return http.StatusTooManyRequests
	case AuthFailed:
		return http.StatusUnauthorized
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func defaultRemediation(code Code) string {
	switch code {
	case SchemaViolation:
		return "fix the proposal payload against the class schema and resubmit"
	case StaleSnapshot:
		return "refresh upstream pins and recompute the proposal version"
	case PolicyViolation:
		return "collect the required approvals or correct the declared version"
	case LicensingBlock:
		return "request an export under a permitted license tag"
	case SourceUnavailable:
		return "re-pin the proposal to a publishable upstream artifact"
	case NondeterministicOutput:
		return "run `governance verify` and restore the store from backup"
	case RateLimited:
		return "retry after the interval in retry_after_seconds"
	case AuthFailed:
		return "send X-Actor, X-Roles, X-Tenant and X-Reason headers"
	case Timeout:
		return "increase the job deadline or split the work"
	default:
		return ""
	}
}
