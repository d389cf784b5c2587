package session

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a session failure class across process boundaries
type ErrorCode string

const (
	// CodeSessionNotFound means the session document does not exist
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	// CodeSessionExists means Create hit an existing session id
	CodeSessionExists ErrorCode = "SESSION_EXISTS"
	// CodeSessionExpired means a session the manager was tracking vanished,
	// which only happens when its TTL collected it
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"
	// CodeEventAddFailed means an append was rejected or could not be written
	CodeEventAddFailed ErrorCode = "EVENT_ADD_FAILED"
	// CodeEventCorrupted means stored event JSON no longer decodes; the
	// session is quarantined, never auto-deleted
	CodeEventCorrupted ErrorCode = "EVENT_CORRUPTED"
	// CodeCheckpointFailed means checkpoint aggregation or anchoring failed
	CodeCheckpointFailed ErrorCode = "CHECKPOINT_FAILED"
	// CodeStoreFailed covers infrastructure failures underneath any operation
	CodeStoreFailed ErrorCode = "STORE_FAILED"
)

// SessionError is the uniform error every session operation returns.
// Code is stable for callers; Context carries the human detail.
type SessionError struct {
	Code      ErrorCode
	SessionID string
	Context   string
	Err       error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s: session %s", e.Code, e.SessionID)
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// newError builds a SessionError wrapping err
func newError(code ErrorCode, sessionID, context string, err error) *SessionError {
	return &SessionError{Code: code, SessionID: sessionID, Context: context, Err: err}
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

// CodeOf extracts the error code, or empty when err is not a SessionError
func CodeOf(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsNotFound reports whether err means the session does not exist
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeSessionNotFound
}

// IsExists reports whether err means the session already exists
func IsExists(err error) bool {
	return CodeOf(err) == CodeSessionExists
}
