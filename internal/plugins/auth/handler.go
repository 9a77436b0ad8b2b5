package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/middleware"
	"github.com/keyxmakerx/gatekeeper/internal/ratelimit"
)

// SessionCookieName is the HTTP cookie used to store the session token.
const SessionCookieName = "gatekeeper_session"

// defaultCookieTTL is used when the handler is built without a session TTL.
const defaultCookieTTL = 24 * time.Hour

// Handler handles HTTP requests for the login flow and session status.
// Handlers are thin: bind request, call service, render response.
type Handler struct {
	service AuthService

	// sessionTTL sets the cookie lifetime to match the store.
	sessionTTL time.Duration
}

// NewHandler creates a new auth handler.
func NewHandler(service AuthService, sessionTTL time.Duration) *Handler {
	return &Handler{service: service, sessionTTL: sessionTTL}
}

// LoginPage renders the provider selection page (GET /auth/login).
func (h *Handler) LoginPage(c echo.Context) error {
	if uc := GetUserContext(c); uc != nil && uc.Authenticated {
		return c.Redirect(http.StatusSeeOther, "/")
	}
	return middleware.Render(c, http.StatusOK, loginPage(h.service.Providers()))
}

// Login redirects the browser to the provider's consent page
// (GET /auth/login/:provider).
func (h *Handler) Login(c echo.Context) error {
	start, err := h.service.StartLogin(c.Request().Context(), c.Param("provider"), c.RealIP())
	if err != nil {
		return withRetryAfter(c, err)
	}
	return c.Redirect(http.StatusFound, start.URL)
}

// Callback finishes the login (GET or POST /auth/callback/:provider).
// Apple answers with a form POST, everyone else with a query string.
func (h *Handler) Callback(c echo.Context) error {
	req := c.Request()
	in := CallbackInput{
		Provider:  c.Param("provider"),
		Code:      c.FormValue("code"),
		State:     c.FormValue("state"),
		Error:     c.FormValue("error"),
		IP:        c.RealIP(),
		UserAgent: req.UserAgent(),
	}

	token, err := h.service.HandleCallback(req.Context(), in)
	if err != nil {
		return withRetryAfter(c, err)
	}

	h.setSessionCookie(c, token)
	return c.Redirect(http.StatusSeeOther, "/")
}

// Status reports whether the caller is signed in (GET /auth/status).
func (h *Handler) Status(c echo.Context) error {
	uc := GetUserContext(c)
	if uc == nil {
		uc = h.service.Anonymous()
	}
	resp := uc.Status()
	if uc.Authenticated {
		resp.CSRFToken = middleware.IssueCSRFToken(c)
	}
	return c.JSON(http.StatusOK, resp)
}

// Me returns the signed-in user and their live sessions (GET /auth/me).
func (h *Handler) Me(c echo.Context) error {
	uc := GetUserContext(c)
	if uc == nil || !uc.Authenticated {
		return apperror.NewMissingContext()
	}

	infos, err := h.service.Sessions(c.Request().Context(), uc.UserID)
	if err != nil {
		return err
	}
	views := make([]SessionView, 0, len(infos))
	for _, in := range infos {
		views = append(views, SessionView{
			Ref:       in.Ref,
			Provider:  in.Provider,
			IssuedAt:  in.IssuedAt,
			ExpiresAt: in.ExpiresAt,
			Current:   in.Ref == uc.SessionRef,
		})
	}
	return c.JSON(http.StatusOK, MeResponse{
		User:      uc,
		Sessions:  views,
		CSRFToken: middleware.IssueCSRFToken(c),
	})
}

// Logout ends the current session, or every session of the user with
// ?all=1 (POST /auth/logout).
func (h *Handler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	token, _ := getSessionToken(c)

	if c.QueryParam("all") == "1" {
		uc := GetUserContext(c)
		if uc == nil || !uc.Authenticated {
			return handleUnauthenticated(c)
		}
		n, err := h.service.LogoutAll(ctx, uc.UserID, c.RealIP())
		if err != nil {
			return err
		}
		clearSessionCookie(c)
		if wantsJSON(c) {
			return c.JSON(http.StatusOK, map[string]int{"sessions_ended": n})
		}
		return redirectHome(c)
	}

	if token != "" {
		if err := h.service.Logout(ctx, token, c.RealIP()); err != nil {
			return err
		}
	}
	clearSessionCookie(c)
	if wantsJSON(c) {
		return c.NoContent(http.StatusNoContent)
	}
	return redirectHome(c)
}

// RevokeSession ends one of the caller's sessions by its reference
// (DELETE /auth/sessions/:ref). Ending the current session this way also
// clears the cookie.
func (h *Handler) RevokeSession(c echo.Context) error {
	uc := GetUserContext(c)
	if uc == nil || !uc.Authenticated {
		return apperror.NewMissingContext()
	}
	ref := c.Param("ref")
	if err := h.service.RevokeSession(c.Request().Context(), uc.UserID, ref, c.RealIP()); err != nil {
		return err
	}
	if ref == uc.SessionRef {
		clearSessionCookie(c)
	}
	return c.NoContent(http.StatusNoContent)
}

func redirectHome(c echo.Context) error {
	if isHTMXRequest(c) {
		c.Response().Header().Set("HX-Redirect", "/")
		return c.NoContent(http.StatusNoContent)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// withRetryAfter sets Retry-After when err carries a rate-limit decision.
func withRetryAfter(c echo.Context, err error) error {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		middleware.SetRetryAfter(c, limited.RetryAfter)
	}
	return err
}

// --- Cookie helpers ---

// getSessionToken extracts the session token from the cookie, or from an
// Authorization: Bearer header. fromCookie reports where it came from.
func getSessionToken(c echo.Context) (token string, fromCookie bool) {
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	if h := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), false
	}
	return "", false
}

// setSessionCookie sets the session cookie on the response. The cookie is
// HttpOnly (JS can't read it), Secure if behind TLS, and SameSite=Lax so it
// survives the top-level redirect back from the provider.
func (h *Handler) setSessionCookie(c echo.Context, token string) {
	ttl := h.sessionTTL
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   isSecure(req),
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie removes the session cookie by setting MaxAge to -1.
func clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecure(c.Request()),
		SameSite: http.SameSiteLaxMode,
	})
}

func isSecure(req *http.Request) bool {
	return req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https"
}
