package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrBusy       ErrorCode = "UNAVAILABLE"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the dispatchq API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// ErrSchedulerStopped is returned by Schedule after the scheduler has been stopped,
// and is the error carried by results of tasks drained at shutdown.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// ErrTimeout is the error attached to results that hit their deadline or the
// scheduler's default timeout.
var ErrTimeout = errors.New("task timed out")

// ErrAborted is the error attached to results whose cancellation token fired.
var ErrAborted = errors.New("task aborted")

// ConfigError rejects a scheduler configuration at construction time.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

// DuplicateTaskError is returned when a task id is already queued or running.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s is already scheduled", e.TaskID)
}

// InvalidTaskError is returned when a submitted task is malformed.
type InvalidTaskError struct {
	TaskID  string
	Field   string
	Message string
}

func (e *InvalidTaskError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid task %s: %s: %s", e.TaskID, e.Field, e.Message)
}

// ExecutionError wraps an error returned (or panicked) by a task's executor.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s: execution failed: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
