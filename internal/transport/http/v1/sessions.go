package v1

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/service"
)

// StartSession creates an upstream session and starts syncing it.
// POST /v1/sessions
func (h *Handler) StartSession(c echo.Context) error {
	var req service.StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.SessionType != "" && !req.SessionType.Valid() {
		return errorJSON(c, http.StatusBadRequest, "session_type must be chat, ask or admin")
	}

	state, err := h.service.StartSession(c.Request().Context(), req)
	if errors.Is(err, service.ErrDuplicateRun) {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":      err.Error(),
			"session_id": state.SessionID,
			"session":    state,
		})
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, state)
}

// GetSession returns the current snapshot of a session.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	state, err := h.service.GetSnapshot(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	if state == nil {
		return errorJSON(c, http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, state)
}

// ListPending returns the live ask session of each requested ticket.
// GET /v1/sessions/pending?ticket_ids=a,b
func (h *Handler) ListPending(c echo.Context) error {
	raw := c.QueryParam("ticket_ids")
	if raw == "" {
		return errorJSON(c, http.StatusBadRequest, "ticket_ids is required")
	}

	sessions, err := h.service.ListPendingByTicket(c.Request().Context(), strings.Split(raw, ","))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage forwards a user turn to the agent.
// POST /v1/sessions/:session_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return errorJSON(c, http.StatusBadRequest, "text is required")
	}

	if err := h.service.SendMessage(c.Request().Context(), c.Param("session_id"), req.Text); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

type startPollingRequest struct {
	TicketID    string             `json:"ticket_id"`
	SessionType domain.SessionType `json:"session_type"`
}

// StartPolling registers a poller for an existing upstream session.
// POST /v1/sessions/:session_id/poll
func (h *Handler) StartPolling(c echo.Context) error {
	var req startPollingRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.SessionType != "" && !req.SessionType.Valid() {
		return errorJSON(c, http.StatusBadRequest, "session_type must be chat, ask or admin")
	}

	sessionID := c.Param("session_id")
	started, err := h.service.StartPollingFor(c.Request().Context(), sessionID, req.TicketID, req.SessionType)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"started":    started,
	})
}

// StopPolling stops the poller of a session without archiving it.
// DELETE /v1/sessions/:session_id/poll
func (h *Handler) StopPolling(c echo.Context) error {
	sessionID := c.Param("session_id")
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"stopped":    h.service.StopPolling(sessionID),
	})
}

// EndSession marks a session completed and archives it.
// POST /v1/sessions/:session_id/end
func (h *Handler) EndSession(c echo.Context) error {
	state, err := h.service.EndSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}
