package coordinator

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a coordination failure class across process
// boundaries
type ErrorCode string

const (
	// CodeAgentNotFound means the agent hash does not exist
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"
	// CodeAgentExists means Register hit an existing agent id
	CodeAgentExists ErrorCode = "AGENT_EXISTS"
	// CodeAgentUnavailable means the target agent cannot take more work
	CodeAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"
	// CodeTaskNotFound means the task hash does not exist
	CodeTaskNotFound ErrorCode = "TASK_NOT_FOUND"
	// CodeTaskConflict means the requested transition is not legal for the
	// task's current status
	CodeTaskConflict ErrorCode = "TASK_CONFLICT"
	// CodeHandoffFailed means a session transfer was rejected
	CodeHandoffFailed ErrorCode = "HANDOFF_FAILED"
	// CodeHandoffNotFound means the handoff record does not exist
	CodeHandoffNotFound ErrorCode = "HANDOFF_NOT_FOUND"
	// CodeCoordinationFailed covers infrastructure failures underneath any
	// operation
	CodeCoordinationFailed ErrorCode = "COORDINATION_FAILED"
)

// CoordinationError is the uniform error every coordinator operation
// returns. Code is stable for callers; Ref names the agent or task
// involved.
type CoordinationError struct {
	Code    ErrorCode
	Ref     string
	Context string
	Err     error
}

func (e *CoordinationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Ref)
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// newError builds a CoordinationError wrapping err
func newError(code ErrorCode, ref, context string, err error) *CoordinationError {
	return &CoordinationError{Code: code, Ref: ref, Context: context, Err: err}
}

// ValidationError reports an invalid argument rejected before any store
// access. The API layer maps it to a 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, or empty when err is not a
// CoordinationError
func CodeOf(err error) ErrorCode {
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsAgentNotFound reports whether err means the agent does not exist
func IsAgentNotFound(err error) bool {
	return CodeOf(err) == CodeAgentNotFound
}

// IsTaskNotFound reports whether err means the task does not exist
func IsTaskNotFound(err error) bool {
	return CodeOf(err) == CodeTaskNotFound
}
