// Package apierr defines the structured error taxonomy used across the SDK.
// Low-level transport and codec failures are converted into these types at
// the boundary; callers never see raw library errors.
package apierr

import (
	"errors"
	"fmt"
)

// Server error codes with non-transient meaning.
const (
	CodeAuthentication = 401
	CodeForbidden      = 403
	CodeNotFound       = 404
	CodeBadRequest     = 400
	CodeRateLimited    = 429
	CodeValidation     = 4
	CodeParse          = 1000
)

// NetworkError is a transient transport-level failure (dial, timeout,
// connection reset). Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError carries a structured error code returned by the backend.
// Whether it is permanent depends on the code.
type ServerError struct {
	Code       int
	Message    string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// ValidationError means the caller's input is malformed. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %q: %s", e.Field, e.Reason)
}

// ParseError means a wire payload could not be decoded. Permanent: the same
// bytes will fail again. Returned as a structured failure, never a panic.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Network wraps err as a transient NetworkError.
func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// Parse wraps err as a permanent ParseError.
func Parse(what string, err error) error {
	return &ParseError{What: what, Err: err}
}

// Validation builds a permanent ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsPermanent reports whether err should never be retried: validation and
// parse failures always, server errors with auth/validation/bad-request
// codes. A response with no structured error body is treated as a network
// failure, hence transient.
func IsPermanent(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return true
	}
	var se *ServerError
	if errors.As(err, &se) {
		switch se.Code {
		case CodeAuthentication, CodeForbidden, CodeNotFound, CodeBadRequest, CodeValidation:
			return true
		}
		// Rate limits and 5xx are transient.
		return false
	}
	return false
}

// IsTemporary reports whether err is worth retrying.
func IsTemporary(err error) bool {
	return err != nil && !IsPermanent(err)
}
