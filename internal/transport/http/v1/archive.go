package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
)

// ListArchivedSessions lists archived sessions, newest first. Transcripts
// are omitted; fetch a single session to read them.
// GET /v1/archive/sessions
func (h *Handler) ListArchivedSessions(c echo.Context) error {
	filter := repository.ArchiveFilter{
		TicketID:    c.QueryParam("ticket_id"),
		SessionType: domain.SessionType(c.QueryParam("session_type")),
		Status:      domain.SessionStatus(c.QueryParam("status")),
	}
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			filter.Limit = val
		}
	}
	if o := c.QueryParam("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			filter.Offset = val
		}
	}

	sessions, err := h.service.ListArchivedSessions(c.Request().Context(), filter)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// GetArchivedSession returns one archived session with its transcript.
// GET /v1/archive/sessions/:session_id
func (h *Handler) GetArchivedSession(c echo.Context) error {
	rec, err := h.service.GetArchivedSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	if rec == nil {
		return errorJSON(c, http.StatusNotFound, "archived session not found")
	}
	return c.JSON(http.StatusOK, rec)
}

// ListRecommendations returns the recommendations recorded for a ticket.
// GET /v1/tickets/:ticket_id/recommendations
func (h *Handler) ListRecommendations(c echo.Context) error {
	recs, err := h.service.ListRecommendations(c.Request().Context(), c.Param("ticket_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"recommendations": recs,
	})
}
