// Package v1 provides the public HTTP handlers.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessionsync/internal/adapter/agentclient"
	"github.com/xiaot623/gogo/sessionsync/internal/hub"
	"github.com/xiaot623/gogo/sessionsync/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Session lifecycle
	e.POST("/v1/sessions", h.StartSession)
	e.GET("/v1/sessions/pending", h.ListPending)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.POST("/v1/sessions/:session_id/messages", h.SendMessage)
	e.POST("/v1/sessions/:session_id/poll", h.StartPolling)
	e.DELETE("/v1/sessions/:session_id/poll", h.StopPolling)
	e.POST("/v1/sessions/:session_id/end", h.EndSession)
	e.GET("/v1/sessions/:session_id/events", h.StreamEvents)

	// Archive
	e.GET("/v1/archive/sessions", h.ListArchivedSessions)
	e.GET("/v1/archive/sessions/:session_id", h.GetArchivedSession)
	e.GET("/v1/tickets/:ticket_id/recommendations", h.ListRecommendations)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Health())
}

func errorJSON(c echo.Context, code int, message string) error {
	return c.JSON(code, map[string]string{"error": message})
}

// writeError maps service errors onto HTTP status codes.
func writeError(c echo.Context, err error) error {
	var statusErr *agentclient.StatusError
	var malformed *agentclient.MalformedPayloadError
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, hub.ErrSessionNotFound),
		errors.Is(err, agentclient.ErrSessionNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSessionFinished):
		return errorJSON(c, http.StatusConflict, err.Error())
	case errors.As(err, &statusErr), errors.As(err, &malformed):
		return errorJSON(c, http.StatusBadGateway, err.Error())
	default:
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}
