package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig lists the handlers to mount. Nil handlers are skipped.
type RouterConfig struct {
	RPC        *RPCHandler
	Calendar   *CalendarHandler
	Logger     zerolog.Logger
	Middleware []echo.MiddlewareFunc
}

// NewRouter builds the echo instance serving every configured route.
func NewRouter(cfg RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = newResponder(cfg.Logger).errorHandler

	e.Use(RequestLogger(cfg.Logger))
	e.Use(middleware.Recover())
	e.Use(cfg.Middleware...)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if cfg.RPC != nil {
		e.POST("/rpc/:method", cfg.RPC.Dispatch)
		e.GET("/series/:id/instances", cfg.RPC.Instances)
		e.GET("/entities/:table/:id/membership", cfg.RPC.Membership)
		e.GET("/jobs/failed", cfg.RPC.FailedJobs)
		e.POST("/jobs/:id/retry", cfg.RPC.RetryJob)
	}
	if cfg.Calendar != nil {
		e.GET("/groups/:id/calendar.ics", cfg.Calendar.Export)
	}
	return e
}
