package audit

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up audit routes. requireAuth must reject anonymous
// callers; users may only read their own history.
func RegisterRoutes(e *echo.Echo, h *Handler, requireAuth echo.MiddlewareFunc) {
	e.GET("/auth/activity", h.MyActivity, requireAuth)
}
