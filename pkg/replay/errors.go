package replay

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a replay failure class across process boundaries
type ErrorCode string

const (
	// CodeReplayNotFound means the replay id has no meta record
	CodeReplayNotFound ErrorCode = "REPLAY_NOT_FOUND"
	// CodeSessionNotFound means the source session does not exist
	CodeSessionNotFound ErrorCode = "REPLAY_SESSION_NOT_FOUND"
	// CodeNotReady means the replay is still recording or already playing
	CodeNotReady ErrorCode = "REPLAY_NOT_READY"
	// CodeFrameCorrupted means a stored frame no longer decodes; the replay
	// is quarantined, never auto-deleted
	CodeFrameCorrupted ErrorCode = "REPLAY_FRAME_CORRUPTED"
	// CodeStoreFailed covers infrastructure failures underneath any operation
	CodeStoreFailed ErrorCode = "REPLAY_STORE_FAILED"
	// CodeClosed means the service has shut down
	CodeClosed ErrorCode = "REPLAY_CLOSED"
)

// ReplayError is the uniform error every replay operation returns
type ReplayError struct {
	Code     ErrorCode
	ReplayID string
	Context  string
	Err      error
}

func (e *ReplayError) Error() string {
	msg := fmt.Sprintf("%s: replay %s", e.Code, e.ReplayID)
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// newError builds a ReplayError wrapping err
func newError(code ErrorCode, replayID, context string, err error) *ReplayError {
	return &ReplayError{Code: code, ReplayID: replayID, Context: context, Err: err}
}

// CodeOf extracts the error code, or empty when err is not a ReplayError
func CodeOf(err error) ErrorCode {
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsNotFound reports whether err means the replay does not exist
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeReplayNotFound
}
