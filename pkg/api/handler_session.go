package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	opts := models.CreateSessionOptions{
		Metadata:         req.Metadata,
		InitialEntityIDs: req.InitialEntityIDs,
	}
	if req.TTLSeconds > 0 {
		opts.TTL = time.Duration(req.TTLSeconds) * time.Second
	}

	id, err := s.manager.CreateSession(c.Request().Context(), req.AgentID, opts)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, &CreateSessionResponse{SessionID: id})
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	doc, err := s.manager.Store().Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

// appendEventHandler handles POST /api/v1/sessions/:id/events.
func (s *Server) appendEventHandler(c echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	var req AppendEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	event := models.SessionEvent{
		Type:            req.Type,
		Changes:         req.Changes,
		StateTransition: req.StateTransition,
		Impact:          req.Impact,
	}
	opts := models.EmitOptions{
		SkipTTLRefresh: req.SkipTTLRefresh,
		SkipPublish:    req.SkipPublish,
	}
	stored, err := s.manager.EmitEvent(c.Request().Context(), sessionID, event, req.Actor, opts)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, stored)
}

// checkpointHandler handles POST /api/v1/sessions/:id/checkpoint.
func (s *Server) checkpointHandler(c echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	var req CheckpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	opts := models.CheckpointOptions{FailureSnapshot: req.FailureSnapshot}
	if req.GraceTTLSeconds > 0 {
		opts.GraceTTL = time.Duration(req.GraceTTLSeconds) * time.Second
	}

	cp, err := s.manager.Checkpoint(c.Request().Context(), sessionID, opts)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

// transitionsHandler handles GET /api/v1/sessions/:id/transitions. The
// optional entityId query parameter narrows the result to one entity.
func (s *Server) transitionsHandler(c echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	results, err := s.bridge.Transitions(c.Request().Context(), sessionID, c.QueryParam("entityId"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}
