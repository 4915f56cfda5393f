package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeWorker            = "WORKER_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeFeedbackExhausted = "FEEDBACK_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// ArborError is the structured error type for all engine operations.
// Business failures are NodeStatus values, not errors; ArborError is
// reserved for infrastructure faults, malformed input, and evaluation errors.
type ArborError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ArborError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ArborError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ArborError.
func NewError(code, message string) *ArborError {
	return &ArborError{Code: code, Message: message}
}

// NewErrorf creates a new ArborError with a formatted message.
func NewErrorf(code, format string, args ...any) *ArborError {
	return &ArborError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ArborError) WithNode(nodeID string) *ArborError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ArborError) WithCause(err error) *ArborError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ArborError) WithDetails(details map[string]any) *ArborError {
	e.Details = details
	return e
}
