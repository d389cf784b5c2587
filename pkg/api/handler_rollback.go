package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Amicidal/sigmachad-sub002/pkg/rollback"
)

// createPointHandler handles POST /api/v1/rollback/points.
func (s *Server) createPointHandler(c echo.Context) error {
	var req RollbackPointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rollback point name is required")
	}

	metadata := req.Metadata
	if req.SessionID != "" {
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		metadata["sessionId"] = req.SessionID
	}

	point, err := s.rollback.CreateRollbackPoint(c.Request().Context(), req.Name, req.Description, metadata)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, point)
}

// listPointsHandler handles GET /api/v1/rollback/points. The optional
// sessionId query parameter narrows the listing.
func (s *Server) listPointsHandler(c echo.Context) error {
	points := s.rollback.ListRollbackPoints(c.QueryParam("sessionId"))
	return c.JSON(http.StatusOK, points)
}

// rollbackHandler handles POST /api/v1/rollback/points/:id/rollback. The
// operation runs asynchronously; the response carries the operation id to
// poll.
func (s *Server) rollbackHandler(c echo.Context) error {
	pointID := c.Param("id")
	if pointID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rollback point id is required")
	}
	var req RollbackRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	op, err := s.rollback.Rollback(c.Request().Context(), pointID, rollback.RollbackRequest{
		Type:           req.Type,
		Strategy:       req.Strategy,
		ConflictPolicy: req.ConflictPolicy,
		DryRun:         req.DryRun,
		Selections:     req.Selections,
		TimeFilter:     req.TimeFilter,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, op)
}

// getOperationHandler handles GET /api/v1/rollback/operations/:id.
func (s *Server) getOperationHandler(c echo.Context) error {
	opID := c.Param("id")
	if opID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "operation id is required")
	}

	op, err := s.rollback.GetOperation(opID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, op)
}
