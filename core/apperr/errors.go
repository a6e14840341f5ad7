// Package apperr defines the error taxonomy shared by the orchestration engine.
// Every error that crosses a component boundary carries a machine-readable code
// and a human-readable message, and is classified as retryable or not.
package apperr

import (
	"context"
	"errors"
	"fmt"

	"veritrain-orchestrator/core/models"
)

// Code is a machine-readable reason code.
type Code string

const (
	// CodeValidation indicates bad caller input. Never retried.
	CodeValidation Code = "VALIDATION_FAILED"

	// CodeDatasetNotReady indicates an experiment was submitted against a dataset that has not passed its gate.
	CodeDatasetNotReady Code = "DATASET_NOT_READY"

	// CodeNotRunning indicates a stop was requested for an experiment that is not running.
	CodeNotRunning Code = "NOT_RUNNING"

	// CodeInvalidTransition indicates a lifecycle transition that is not allowed from the current state.
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// CodeNotFound indicates a requested record does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeNotYetRun indicates a dataset has no committed quality gate result.
	CodeNotYetRun Code = "NOT_YET_RUN"

	// CodeForbidden indicates the caller may not mutate the record.
	CodeForbidden Code = "FORBIDDEN"

	// CodeTransient indicates a failure that may succeed on retry.
	CodeTransient Code = "TRANSIENT"

	// CodeFatal indicates a failure that must not be retried.
	CodeFatal Code = "FATAL"

	// CodeCancelled indicates the work was cancelled cooperatively.
	CodeCancelled Code = "CANCELLED"

	// CodeUnavailable indicates the engine is not accepting work.
	CodeUnavailable Code = "UNAVAILABLE"

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INTERNAL"
)

// Error is the structured error carried across the engine.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, apperr.New(CodeNotFound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a VALIDATION_FAILED error.
func Validation(format string, args ...interface{}) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound creates a NOT_FOUND error for the given record kind and id.
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, "%s %s not found", kind, id)
}

// Transient wraps err as retryable.
func Transient(err error, format string, args ...interface{}) *Error {
	return Wrap(CodeTransient, err, format, args...)
}

// Fatal wraps err as non-retryable.
func Fatal(err error, format string, args ...interface{}) *Error {
	return Wrap(CodeFatal, err, format, args...)
}

// InvalidTransition creates an INVALID_TRANSITION error.
func InvalidTransition(kind, id string, from, to interface{}) *Error {
	return New(CodeInvalidTransition, "%s %s cannot transition from %v to %v", kind, id, from, to)
}

// CodeOf returns the code of the outermost *Error in err's chain.
// Context cancellation maps to CANCELLED and deadline expiry to TRANSIENT.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTransient
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether err may be retried by the job queue.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransient
}

// Detail converts err to the record-level reason attached to jobs and experiments.
func Detail(err error) *models.ErrorDetail {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Err != nil {
			msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
	}
	return &models.ErrorDetail{Code: string(CodeOf(err)), Message: msg}
}
