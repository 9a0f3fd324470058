package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/example/recurring-scheduler/internal/rpc"
)

// RPCHandler serves the series RPC surface.
type RPCHandler struct {
	surface   *rpc.Surface
	responder responder
	methods   map[string]echo.HandlerFunc
}

type listJobsRequest struct {
	Limit int `json:"limit"`
}

// NewRPCHandler constructs an RPCHandler.
func NewRPCHandler(surface *rpc.Surface, logger zerolog.Logger) *RPCHandler {
	h := &RPCHandler{surface: surface, responder: newResponder(logger)}
	h.methods = map[string]echo.HandlerFunc{
		"create_recurring_series": func(c echo.Context) error {
			return call(h, c, surface.CreateRecurringSeries)
		},
		"update_series_template": func(c echo.Context) error {
			return call(h, c, surface.UpdateSeriesTemplate)
		},
		"update_series_schedule": func(c echo.Context) error {
			return call(h, c, surface.UpdateSeriesSchedule)
		},
		"split_series_from_date": func(c echo.Context) error {
			return call(h, c, surface.SplitSeriesFromDate)
		},
		"cancel_series_occurrence": func(c echo.Context) error {
			return call(h, c, surface.CancelSeriesOccurrence)
		},
		"update_series_occurrence": func(c echo.Context) error {
			return call(h, c, surface.UpdateSeriesOccurrence)
		},
		"delete_series_with_instances": func(c echo.Context) error {
			return call(h, c, surface.DeleteSeriesWithInstances)
		},
		"delete_series_group": func(c echo.Context) error {
			return call(h, c, surface.DeleteSeriesGroup)
		},
		"get_series_membership": func(c echo.Context) error {
			return call(h, c, surface.GetSeriesMembership)
		},
		"list_series_instances": func(c echo.Context) error {
			return call(h, c, surface.ListSeriesInstances)
		},
		"list_failed_jobs": func(c echo.Context) error {
			return call(h, c, func(ctx context.Context, req listJobsRequest) rpc.JobsResult {
				return surface.ListFailedJobs(ctx, req.Limit)
			})
		},
		"retry_job": func(c echo.Context) error {
			return call(h, c, surface.RetryJob)
		},
	}
	return h
}

// Dispatch routes POST /rpc/:method.
func (h *RPCHandler) Dispatch(c echo.Context) error {
	method := c.Param("method")
	fn, ok := h.methods[method]
	if !ok {
		return h.responder.writeError(c, http.StatusNotFound, "UNKNOWN_METHOD", fmt.Errorf("%w: %s", errUnknownMethod, method))
	}
	return fn(c)
}

// Instances serves GET /series/:id/instances.
func (h *RPCHandler) Instances(c echo.Context) error {
	result := h.surface.ListSeriesInstances(c.Request().Context(), rpc.SeriesRequest{SeriesID: c.Param("id")})
	return h.responder.writeJSON(c, http.StatusOK, result)
}

// Membership serves GET /entities/:table/:id/membership.
func (h *RPCHandler) Membership(c echo.Context) error {
	result := h.surface.GetSeriesMembership(c.Request().Context(), rpc.EntityRef{
		EntityTable: c.Param("table"),
		EntityID:    c.Param("id"),
	})
	return h.responder.writeJSON(c, http.StatusOK, result)
}

// FailedJobs serves GET /jobs/failed?limit=N.
func (h *RPCHandler) FailedJobs(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return h.responder.writeError(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Errorf("invalid limit %q", raw))
		}
		limit = n
	}
	return h.responder.writeJSON(c, http.StatusOK, h.surface.ListFailedJobs(c.Request().Context(), limit))
}

// RetryJob serves POST /jobs/:id/retry.
func (h *RPCHandler) RetryJob(c echo.Context) error {
	result := h.surface.RetryJob(c.Request().Context(), rpc.JobRequest{JobID: c.Param("id")})
	return h.responder.writeJSON(c, http.StatusOK, result)
}

func call[Req, Res any](h *RPCHandler, c echo.Context, fn func(context.Context, Req) Res) error {
	var req Req
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return h.responder.writeError(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Errorf("%w: %v", errBadRequestBody, err))
	}
	return h.responder.writeJSON(c, http.StatusOK, fn(c.Request().Context(), req))
}
