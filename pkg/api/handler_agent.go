package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// registerAgentHandler handles POST /api/v1/agents.
func (s *Server) registerAgentHandler(c echo.Context) error {
	var req models.RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	agent, err := s.coord.RegisterAgent(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, agent)
}

// heartbeatHandler handles POST /api/v1/agents/:id/heartbeat.
func (s *Server) heartbeatHandler(c echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var status *models.AgentStatus
	if req.Status != "" {
		st := models.AgentStatus(req.Status)
		if !st.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+req.Status)
		}
		status = &st
	}

	agent, err := s.coord.Heartbeat(c.Request().Context(), agentID, status)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c echo.Context) error {
	agents, err := s.coord.ListAgents(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, agents)
}
