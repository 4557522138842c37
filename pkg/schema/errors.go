package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecutor          = "EXECUTOR_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// StepflowError is the structured error type for all stepflow operations.
type StepflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepflowError.
func NewError(code, message string) *StepflowError {
	return &StepflowError{Code: code, Message: message}
}

// NewErrorf creates a new StepflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepflowError {
	return &StepflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *StepflowError) WithStep(stepID string) *StepflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *StepflowError) WithCause(err error) *StepflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepflowError) WithDetails(details map[string]any) *StepflowError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a StepflowError with the given code.
func IsCode(err error, code string) bool {
	var se *StepflowError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// AsError converts any error into a StepflowError, wrapping foreign errors
// under the given fallback code.
func AsError(err error, fallbackCode string) *StepflowError {
	if err == nil {
		return nil
	}
	var se *StepflowError
	if errors.As(err, &se) {
		return se
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
