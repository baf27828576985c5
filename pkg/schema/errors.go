package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidFrequency  = "INVALID_FREQUENCY"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflictingWindow = "CONFLICTING_WINDOW"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCatalogue         = "CATALOGUE_ERROR"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
)

// Error is the structured error type for all pipetick operations.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepRunID string         `json:"step_run_id,omitempty"`
	Cause     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepRunID != "" {
		return fmt.Sprintf("[%s] step run %s: %s", e.Code, e.StepRunID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStepRun attaches a step run ID to the error.
func (e *Error) WithStepRun(stepRunID string) *Error {
	e.StepRunID = stepRunID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the pipetick error code of err, or "" if err is not an *Error.
func CodeOf(err error) string {
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return ""
}
