package engine

import (
	"errors"
	"fmt"
)

// ErrorClass tells a caller whether a failed operation is worth repeating.
type ErrorClass string

const (
	// ErrorClassTransient marks store or network failures that may succeed
	// later, and conflict retries that ran out of time.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict marks a lost optimistic-concurrency race. Task
	// updates are retried by the runtime; a lost claim on a specific
	// address is reported to the caller.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent marks failures that repeat on every attempt:
	// invalid input, missing documents, exhausted pools.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"

	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeTaskTerminal         = "TASK_TERMINAL"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	ErrCodeAddressPoolExhausted = "ADDRESS_POOL_EXHAUSTED"
	ErrCodeAddressOutOfRange    = "ADDRESS_OUT_OF_RANGE"
	ErrCodeAddressAlreadyInUse  = "ADDRESS_ALREADY_ALLOCATED"
	ErrCodePolicyViolation      = "POLICY_VIOLATION"
)

// NewValidationError creates a permanent error for rejected input.
func NewValidationError(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeValidation)
}

// IsValidation returns true if the error rejects caller input.
func IsValidation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeValidation || e.Code == ErrCodePolicyViolation
	}
	return false
}

// HasCode returns true if any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
