package api

// CreateSessionResponse is returned by POST /api/v1/sessions.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}
