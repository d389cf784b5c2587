package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/Amicidal/sigmachad-sub002/pkg/coordinator"
	"github.com/Amicidal/sigmachad-sub002/pkg/kv"
	"github.com/Amicidal/sigmachad-sub002/pkg/rollback"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
)

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
}

// apiError pairs a transport status with the domain code surfaced to
// clients. Handlers return it; the error handler renders the envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *apiError) Error() string {
	return e.Message
}

// mapServiceError maps service-layer errors to HTTP error responses.
// Unrecognized errors pass through and render as 500.
func mapServiceError(err error) error {
	var sv *session.ValidationError
	var cv *coordinator.ValidationError
	var rv *rollback.ValidationError
	if errors.As(err, &sv) || errors.As(err, &cv) || errors.As(err, &rv) {
		return &apiError{Status: http.StatusBadRequest, Code: "VALIDATION_FAILED", Message: err.Error()}
	}

	if code := session.CodeOf(err); code != "" {
		return &apiError{Status: sessionStatus(code), Code: string(code), Message: err.Error()}
	}
	if code := coordinator.CodeOf(err); code != "" {
		return &apiError{Status: coordinationStatus(code), Code: string(code), Message: err.Error()}
	}
	if code := rollback.CodeOf(err); code != "" {
		ae := &apiError{Status: rollbackStatus(code), Code: string(code), Message: err.Error()}
		var ce *rollback.ConflictError
		if errors.As(err, &ce) {
			ae.Details = ce.Conflicts
		}
		return ae
	}
	if kv.IsTransient(err) {
		return &apiError{Status: http.StatusServiceUnavailable, Code: "KV_UNAVAILABLE", Message: "storage temporarily unavailable"}
	}
	return err
}

func sessionStatus(code session.ErrorCode) int {
	switch code {
	case session.CodeSessionNotFound:
		return http.StatusNotFound
	case session.CodeSessionExists:
		return http.StatusConflict
	case session.CodeSessionExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func coordinationStatus(code coordinator.ErrorCode) int {
	switch code {
	case coordinator.CodeAgentNotFound, coordinator.CodeTaskNotFound, coordinator.CodeHandoffNotFound:
		return http.StatusNotFound
	case coordinator.CodeAgentExists, coordinator.CodeTaskConflict, coordinator.CodeAgentUnavailable:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func rollbackStatus(code rollback.ErrorCode) int {
	switch code {
	case rollback.CodePointNotFound, rollback.CodeSnapshotNotFound, rollback.CodeOperationNotFound:
		return http.StatusNotFound
	case rollback.CodePointExpired:
		return http.StatusGone
	case rollback.CodeSnapshotTooLarge:
		return http.StatusRequestEntityTooLarge
	case rollback.CodeRollbackConflict, rollback.CodeOperationCancelled, rollback.CodeStrategyRejected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// codeForStatus names transport-level failures that never reached a
// service (404 route, bad body, oversized payload).
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "REQUEST_TOO_LARGE"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
