package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
)

// wsHandler upgrades GET /ws to a WebSocket and hands the connection to
// the relay. It blocks for the lifetime of the connection.
func (s *Server) wsHandler(c echo.Context) error {
	if s.conns == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	opts := &websocket.AcceptOptions{}
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			opts.OriginPatterns = nil
			break
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	s.conns.HandleConnection(c.Request().Context(), conn)
	return nil
}
