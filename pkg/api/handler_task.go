package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// submitTaskHandler handles POST /api/v1/tasks.
func (s *Server) submitTaskHandler(c echo.Context) error {
	var req models.SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	task, err := s.coord.SubmitTask(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, task)
}

// getTaskHandler handles GET /api/v1/tasks/:id.
func (s *Server) getTaskHandler(c echo.Context) error {
	taskID := c.Param("id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	task, err := s.coord.GetTask(c.Request().Context(), taskID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, task)
}
