// Package http provides the HTTP server of the session sync engine.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/sessionsync/internal/config"
	"github.com/xiaot623/gogo/sessionsync/internal/service"
	v1 "github.com/xiaot623/gogo/sessionsync/internal/transport/http/v1"
	"github.com/xiaot623/gogo/sessionsync/internal/transport/ws"
)

// NewServer creates the echo server carrying the REST API, the SSE stream and
// the WebSocket endpoints.
func NewServer(svc *service.Service, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1Handler := v1.NewHandler(svc)
	v1Handler.RegisterRoutes(e)

	wsServer := ws.NewServer(cfg, svc)
	e.GET("/v1/sessions/:session_id/ws", wsServer.HandleSession)
	e.GET("/v1/ws", wsServer.HandleAll)

	return e
}
