package migration

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a migration failure class across process boundaries
type ErrorCode string

const (
	// CodeSourceFailed covers read failures against the source instance
	CodeSourceFailed ErrorCode = "MIGRATION_SOURCE_FAILED"
	// CodeTargetFailed covers write failures against the target instance
	CodeTargetFailed ErrorCode = "MIGRATION_TARGET_FAILED"
	// CodeCancelled means the run was cancelled before it finished
	CodeCancelled ErrorCode = "MIGRATION_CANCELLED"
	// CodeClosed means the migrator has shut down
	CodeClosed ErrorCode = "MIGRATION_CLOSED"
)

// MigrationError is the uniform error every migration operation returns
type MigrationError struct {
	Code      ErrorCode
	SessionID string
	Context   string
	Err       error
}

func (e *MigrationError) Error() string {
	msg := string(e.Code)
	if e.SessionID != "" {
		msg += fmt.Sprintf(": session %s", e.SessionID)
	}
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// newError builds a MigrationError wrapping err
func newError(code ErrorCode, sessionID, context string, err error) *MigrationError {
	return &MigrationError{Code: code, SessionID: sessionID, Context: context, Err: err}
}

// CodeOf extracts the error code, or empty when err is not a MigrationError
func CodeOf(err error) ErrorCode {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}
