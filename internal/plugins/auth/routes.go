package auth

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up the login flow and session routes. LoadUser is
// expected to run globally so every handler sees a UserContext.
func RegisterRoutes(e *echo.Echo, h *Handler, service AuthService) {
	g := e.Group("/auth")

	g.GET("/login", h.LoginPage)
	g.GET("/login/:provider", h.Login)

	// Apple uses response_mode=form_post, so the callback accepts both.
	g.GET("/callback/:provider", h.Callback)
	g.POST("/callback/:provider", h.Callback)

	g.GET("/status", h.Status)
	g.GET("/me", h.Me, RequireAuth(service))
	g.DELETE("/sessions/:ref", h.RevokeSession, RequireAuth(service))
	g.POST("/logout", h.Logout)
}
