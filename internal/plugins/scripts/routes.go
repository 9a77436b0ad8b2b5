package scripts

import (
	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/authz"
	"github.com/keyxmakerx/gatekeeper/internal/middleware"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/auth"
	"github.com/keyxmakerx/gatekeeper/internal/ratelimit"
)

// RegisterRoutes sets up the catalog routes. Each route requires the same
// capability as its sandbox binding. limiter may be nil.
func RegisterRoutes(e *echo.Echo, h *Handler, limiter ratelimit.Limiter, onLimit func(c echo.Context)) {
	var mw []echo.MiddlewareFunc
	if limiter != nil {
		mw = append(mw, middleware.RateLimit(limiter, "scripts", onLimit))
	}
	g := e.Group("/scripts", mw...)

	g.GET("", h.List, auth.RequireCapability(authz.ReadScripts))
	g.GET("/env", h.Environment)
	g.GET("/:name", h.Get, auth.RequireCapability(authz.ReadScripts))
	g.PUT("/:name", h.Save, auth.RequireCapability(authz.WriteScripts))
	g.DELETE("/:name", h.Delete, auth.RequireCapability(authz.DeleteScripts))
}
