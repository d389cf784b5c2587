// Package api exposes the coordination core over HTTP: REST operations
// under /api/v1, the health and metrics endpoints, and the WebSocket
// event relay upgrade.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/coordinator"
	"github.com/Amicidal/sigmachad-sub002/pkg/events"
	"github.com/Amicidal/sigmachad-sub002/pkg/lifecycle"
	"github.com/Amicidal/sigmachad-sub002/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub002/pkg/rollback"
	"github.com/Amicidal/sigmachad-sub002/pkg/session"
)

// Server is the HTTP front of the coordination core.
type Server struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	manager  *session.Manager
	bridge   *session.Bridge
	coord    *coordinator.Coordinator
	rollback *rollback.Manager
	conns    *events.ConnectionManager
	hub      *metrics.Hub
	health   *lifecycle.HealthChecker

	metricsPath string
	echo        *echo.Echo
}

// NewServer wires the HTTP server. conns may be nil, in which case the
// WebSocket endpoint reports unavailable.
func NewServer(
	cfg *config.Config,
	manager *session.Manager,
	bridge *session.Bridge,
	coord *coordinator.Coordinator,
	rb *rollback.Manager,
	conns *events.ConnectionManager,
	hub *metrics.Hub,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg.Server,
		logger:      logger,
		manager:     manager,
		bridge:      bridge,
		coord:       coord,
		rollback:    rb,
		conns:       conns,
		hub:         hub,
		metricsPath: cfg.Metrics.MetricsPath,
	}
	s.echo = s.buildEcho()
	return s
}

// SetHealthChecker wires the aggregated health source for /healthz.
// Without one the endpoint reports a bare ok.
func (s *Server) SetHealthChecker(h *lifecycle.HealthChecker) {
	s.health = h
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves on addr until Shutdown. Returns http.ErrServerClosed on a
// graceful stop.
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP server starting", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(middleware.Recover())
	if s.cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(s.cfg.BodyLimit))
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		}))
	}

	e.GET("/healthz", s.healthzHandler)
	e.GET(s.metricsPath, s.metricsTextHandler)
	e.GET("/metrics/prometheus", s.prometheusHandler())
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/sessions/:id/events", s.appendEventHandler)
	v1.POST("/sessions/:id/checkpoint", s.checkpointHandler)
	v1.GET("/sessions/:id/transitions", s.transitionsHandler)

	v1.POST("/agents", s.registerAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.POST("/agents/:id/heartbeat", s.heartbeatHandler)

	v1.POST("/tasks", s.submitTaskHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)

	v1.POST("/rollback/points", s.createPointHandler)
	v1.GET("/rollback/points", s.listPointsHandler)
	v1.POST("/rollback/points/:id/rollback", s.rollbackHandler)
	v1.GET("/rollback/operations/:id", s.getOperationHandler)

	return e
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			lvl := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				lvl = slog.LevelError
			}
			s.logger.LogAttrs(c.Request().Context(), lvl, "HTTP request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			)
			return nil
		},
	})
}

// httpErrorHandler renders every failure as the error envelope.
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{
		Code:      "INTERNAL",
		Message:   "internal server error",
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Timestamp: time.Now().UTC(),
	}

	var ae *apiError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ae):
		status = ae.Status
		body.Code = ae.Code
		body.Message = ae.Message
		body.Details = ae.Details
	case errors.As(err, &he):
		status = he.Code
		body.Code = codeForStatus(status)
		body.Message = fmt.Sprint(he.Message)
	default:
		s.logger.Error("Unhandled request error", "error", err, "path", c.Path())
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, &body)
	}
	if werr != nil {
		s.logger.Error("Failed to write error response", "error", werr)
	}
}

// healthzHandler reports the aggregated health view. Overall down maps to
// 503 so load balancers stop routing here.
func (s *Server) healthzHandler(c echo.Context) error {
	if s.health == nil {
		return c.JSON(http.StatusOK, map[string]string{"overall": string(lifecycle.StatusHealthy)})
	}
	health := s.health.GetHealth(c.Request().Context())
	status := http.StatusOK
	if health.Overall == lifecycle.StatusDown {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

// metricsTextHandler serves the hub's own text exposition.
func (s *Server) metricsTextHandler(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)
	return s.hub.WriteText(c.Response())
}

// prometheusHandler serves the same metrics through the Prometheus client
// so standard scrapers get standard output.
func (s *Server) prometheusHandler() echo.HandlerFunc {
	reg := prometheus.NewRegistry()
	if s.hub != nil {
		reg.MustRegister(metrics.NewBridge(s.hub))
	}
	return echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}
