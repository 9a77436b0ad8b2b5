package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/authz"
)

// Context keys for storing the resolved caller in Echo context. Other
// plugins read them through the exported getters below.
const (
	contextKeyUser   = "auth_user"
	contextKeyUserID = "auth_user_id"
)

// LoadUser returns middleware that resolves every request into a
// UserContext, anonymous when there is no valid session. A stale session
// cookie is cleared. It never rejects a request.
func LoadUser(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			setUserContext(c, resolveUser(c, service))
			return next(c)
		}
	}
}

// RequireAuth returns middleware that rejects callers without a valid
// session: browsers are sent to the login page, API clients get 401.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			uc := GetUserContext(c)
			if uc == nil {
				uc = resolveUser(c, service)
				setUserContext(c, uc)
			}
			if !uc.Authenticated {
				return handleUnauthenticated(c)
			}
			return next(c)
		}
	}
}

// RequireCapability returns middleware that lets the request through only
// if the caller holds capability. LoadUser must run first. Anonymous
// callers without the capability are asked to sign in.
func RequireCapability(capability authz.Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			uc := GetUserContext(c)
			if uc == nil {
				return apperror.NewMissingContext()
			}
			if uc.Can(capability) {
				return next(c)
			}
			if !uc.Authenticated {
				return handleUnauthenticated(c)
			}
			return apperror.NewForbidden("you do not have permission to " + capabilityVerb(capability))
		}
	}
}

// resolveUser validates the request's session token, falling back to the
// anonymous context.
func resolveUser(c echo.Context, service AuthService) *UserContext {
	token, fromCookie := getSessionToken(c)
	if token == "" {
		return service.Anonymous()
	}

	req := c.Request()
	uc, err := service.ValidateSession(req.Context(), token, c.RealIP(), req.UserAgent())
	if err != nil {
		if fromCookie {
			clearSessionCookie(c)
		}
		return service.Anonymous()
	}
	return uc
}

func setUserContext(c echo.Context, uc *UserContext) {
	c.Set(contextKeyUser, uc)
	c.Set(contextKeyUserID, uc.UserID)
}

// handleUnauthenticated returns the appropriate response for unauthenticated
// requests: redirect for browsers, 401 JSON for API clients.
func handleUnauthenticated(c echo.Context) error {
	if wantsJSON(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"type":    "unauthorized",
			"message": "authentication required",
		})
	}

	// HTMX requests get a redirect header so the full page navigates.
	if isHTMXRequest(c) {
		c.Response().Header().Set("HX-Redirect", "/auth/login")
		return c.NoContent(http.StatusNoContent)
	}

	return c.Redirect(http.StatusSeeOther, "/auth/login")
}

// --- Exported getters for other plugins ---

// GetUserContext retrieves the resolved caller from the Echo context.
// Returns nil if neither LoadUser nor RequireAuth ran.
func GetUserContext(c echo.Context) *UserContext {
	uc, ok := c.Get(contextKeyUser).(*UserContext)
	if !ok {
		return nil
	}
	return uc
}

// GetUserID retrieves the signed-in user's ID from the Echo context.
// Returns empty string for anonymous callers.
func GetUserID(c echo.Context) string {
	id, ok := c.Get(contextKeyUserID).(string)
	if !ok {
		return ""
	}
	return id
}

// --- Helpers ---

// wantsJSON returns true for API-style requests: bearer-authenticated,
// JSON-accepting, or under /api.
func wantsJSON(c echo.Context) bool {
	req := c.Request()
	if strings.HasPrefix(req.URL.Path, "/api") {
		return true
	}
	if strings.HasPrefix(req.Header.Get(echo.HeaderAuthorization), "Bearer ") {
		return true
	}
	return strings.Contains(req.Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON)
}

// isHTMXRequest returns true if the request was made by HTMX.
func isHTMXRequest(c echo.Context) bool {
	return c.Request().Header.Get("HX-Request") == "true"
}

func capabilityVerb(c authz.Capability) string {
	return strings.ReplaceAll(c.String(), "_", " ")
}
