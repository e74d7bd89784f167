// SPDX-License-Identifier: MIT

// Package fault defines the stable error codes shared by all client-facing
// ports and the uniform envelope they are rendered in.
package fault

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeDependency      Code = "DEPENDENCY_ERROR"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeLeaseLost       Code = "LEASE_LOST"
	CodeBudgetExhausted Code = "BUDGET_EXHAUSTED"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error carries a stable code, a human-readable message, and optional
// metadata surfaced to clients (e.g. retry_after_ms for RATE_LIMITED).
type Error struct {
	Code    Code
	Message string
	Meta    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithMeta returns the error with one metadata key set.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any, 1)
	}
	e.Meta[key] = value
	return e
}

// CodeOf extracts the stable code from an error chain. Unclassified errors
// map to INTERNAL_ERROR; nil maps to the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
