package v1

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessionsync/internal/hub"
)

// StreamEvents streams session snapshots as server-sent events. The stream
// ends with an "end" event once the session reaches a terminal state.
// GET /v1/sessions/:session_id/events
func (h *Handler) StreamEvents(c echo.Context) error {
	sessionID := c.Param("session_id")
	ctx := c.Request().Context()
	res := c.Response()

	started := false
	err := h.service.Subscribe(ctx, sessionID, func(data []byte) error {
		if !started {
			res.Header().Set(echo.HeaderContentType, "text/event-stream")
			res.Header().Set(echo.HeaderCacheControl, "no-cache")
			res.Header().Set(echo.HeaderConnection, "keep-alive")
			res.WriteHeader(http.StatusOK)
			started = true
		}
		return writeEvent(res, "state", data)
	})
	if !started {
		if err == nil {
			err = hub.ErrSessionNotFound
		}
		return writeError(c, err)
	}

	switch {
	case err == nil:
		_ = writeEvent(res, "end", []byte(`{}`))
	case errors.Is(err, context.Canceled):
	case errors.Is(err, hub.ErrSubscriberDropped):
		_ = writeEvent(res, "error", []byte(`{"error":"subscriber dropped"}`))
	default:
		log.Printf("WARN: event stream for session %s ended: %v", sessionID, err)
	}
	return nil
}

func writeEvent(res *echo.Response, event string, data []byte) error {
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
