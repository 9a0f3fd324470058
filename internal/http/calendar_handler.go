package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/persistence"
)

// GroupExporter renders a group as an iCalendar document.
type GroupExporter interface {
	ExportGroup(ctx context.Context, groupID string) (string, error)
}

// CalendarHandler serves GET /groups/:id/calendar.ics.
type CalendarHandler struct {
	exporter  GroupExporter
	responder responder
}

// NewCalendarHandler constructs a CalendarHandler.
func NewCalendarHandler(exporter GroupExporter, logger zerolog.Logger) *CalendarHandler {
	return &CalendarHandler{exporter: exporter, responder: newResponder(logger)}
}

// Export writes the group calendar.
func (h *CalendarHandler) Export(c echo.Context) error {
	groupID := c.Param("id")
	body, err := h.exporter.ExportGroup(c.Request().Context(), groupID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return h.responder.writeError(c, http.StatusNotFound, "NOT_FOUND", fmt.Errorf("series group %s not found", groupID))
	case err != nil:
		return h.responder.writeError(c, http.StatusInternalServerError, "", err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", groupID+".ics"))
	return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
}
