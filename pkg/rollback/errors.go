package rollback

import (
	"errors"
	"fmt"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// ErrorCode identifies a rollback failure class across process boundaries
type ErrorCode string

const (
	// CodePointNotFound means the rollback point does not exist
	CodePointNotFound ErrorCode = "ROLLBACK_POINT_NOT_FOUND"
	// CodePointExpired means the point outlived its TTL; the read path
	// deletes it and reports this code
	CodePointExpired ErrorCode = "ROLLBACK_POINT_EXPIRED"
	// CodeSnapshotNotFound means the snapshot id is unknown
	CodeSnapshotNotFound ErrorCode = "SNAPSHOT_NOT_FOUND"
	// CodeSnapshotTooLarge means the payload exceeded maxSnapshotSize
	CodeSnapshotTooLarge ErrorCode = "SNAPSHOT_TOO_LARGE"
	// CodeSnapshotCorrupted means the stored checksum no longer matches the
	// data; the snapshot is quarantined, never auto-deleted
	CodeSnapshotCorrupted ErrorCode = "SNAPSHOT_CORRUPTED"
	// CodeOperationNotFound means the operation id is unknown
	CodeOperationNotFound ErrorCode = "OPERATION_NOT_FOUND"
	// CodeOperationCancelled means the operation was cancelled by an
	// operator or by shutdown
	CodeOperationCancelled ErrorCode = "OPERATION_CANCELLED"
	// CodeStrategyRejected means a strategy's safety check refused the
	// operation; the message names the triggering rule
	CodeStrategyRejected ErrorCode = "STRATEGY_REJECTED"
	// CodeRollbackConflict means conflict policy abort stopped the operation
	CodeRollbackConflict ErrorCode = "ROLLBACK_CONFLICT"
	// CodeCaptureFailed means a capture source could not produce state
	CodeCaptureFailed ErrorCode = "CAPTURE_FAILED"
	// CodeRestoreFailed means writing restored state back failed
	CodeRestoreFailed ErrorCode = "RESTORE_FAILED"
)

// RollbackError is the uniform error rollback operations return. Code is
// stable for callers; Ref names the point, snapshot, or operation involved.
type RollbackError struct {
	Code    ErrorCode
	Ref     string
	Context string
	Err     error
}

func (e *RollbackError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Ref)
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// newError builds a RollbackError wrapping err
func newError(code ErrorCode, ref, context string, err error) *RollbackError {
	return &RollbackError{Code: code, Ref: ref, Context: context, Err: err}
}

// ConflictError carries every conflict the abort policy refused to cross
type ConflictError struct {
	OperationID string
	Conflicts   []models.Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: operation %s aborted on %d conflicts", CodeRollbackConflict, e.OperationID, len(e.Conflicts))
}

// ValidationError reports an invalid argument rejected before any state is
// touched. The API layer maps it to a 400.
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

// CodeOf extracts the error code, or empty when err is not a RollbackError.
// A ConflictError reports CodeRollbackConflict.
func CodeOf(err error) ErrorCode {
	var re *RollbackError
	if errors.As(err, &re) {
		return re.Code
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return CodeRollbackConflict
	}
	return ""
}

// IsPointNotFound reports whether err means the rollback point is unknown
func IsPointNotFound(err error) bool {
	return CodeOf(err) == CodePointNotFound
}

// IsCancelled reports whether err means the operation was cancelled
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeOperationCancelled
}
