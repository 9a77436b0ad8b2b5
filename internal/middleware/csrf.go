package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/csrf"
	"github.com/keyxmakerx/gatekeeper/internal/session"
)

// csrfHeaderName is the header AJAX clients send the CSRF token in. JSON
// responses that hand out a token carry it in the same header.
const csrfHeaderName = "X-CSRF-Token"

// csrfFormField is the hidden form field name for form submissions.
const csrfFormField = "csrf_token"

// Context keys for the lazily minted token.
const (
	csrfTokenKey     = "csrf_token"
	csrfGeneratorKey = "csrf_generator"
)

// CSRFConfig configures the CSRF middleware.
type CSRFConfig struct {
	Protector *csrf.Protector

	// SessionCookie is the cookie whose value tokens are bound to.
	SessionCookie string

	// OnFailure is called for every rejected token. Optional.
	OnFailure func(c echo.Context, err error)

	// ExemptPrefixes lists path prefixes that carry their own one-time
	// token, such as OAuth callbacks answered with response_mode=form_post.
	ExemptPrefixes []string
}

// CSRF returns middleware that requires a valid single-use signed token on
// every state-changing request (POST, PUT, PATCH, DELETE).
//
// Tokens are minted only when a handler asks for one via GetCSRFToken, and
// each is bound to the caller's session (or to "no session" before login),
// so a token lifted from one browser cannot be replayed from another.
// Requests authenticated by a bearer token and carrying no session cookie
// are exempt: a browser never attaches that header on its own.
func CSRF(cfg CSRFConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			bound := ""
			hasCookie := false
			if cookie, err := req.Cookie(cfg.SessionCookie); err == nil && cookie.Value != "" {
				bound = session.Ref(cookie.Value)
				hasCookie = true
			}

			c.Set(csrfGeneratorKey, func() (string, error) {
				return cfg.Protector.Generate(req.Context(), bound)
			})

			if isSafeMethod(req.Method) || isExempt(req.URL.Path, cfg.ExemptPrefixes) {
				return next(c)
			}
			if !hasCookie && strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ") {
				return next(c)
			}

			// Check header first (AJAX), then form field (plain forms).
			submitted := req.Header.Get(csrfHeaderName)
			if submitted == "" {
				submitted = req.FormValue(csrfFormField)
			}

			if err := cfg.Protector.Validate(req.Context(), submitted, bound); err != nil {
				slog.Warn("csrf token rejected",
					slog.String("path", req.URL.Path),
					slog.String("remote_ip", c.RealIP()),
					slog.Any("error", err),
				)
				if cfg.OnFailure != nil {
					cfg.OnFailure(c, err)
				}
				return apperror.NewForbidden("invalid or missing CSRF token")
			}

			return next(c)
		}
	}
}

// isSafeMethod returns true for HTTP methods that should not change state.
func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}

func isExempt(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// GetCSRFToken returns a token for the current request, minting it on first
// use. Returns "" when the CSRF middleware is not installed.
func GetCSRFToken(c echo.Context) string {
	if token, ok := c.Get(csrfTokenKey).(string); ok {
		return token
	}
	gen, ok := c.Get(csrfGeneratorKey).(func() (string, error))
	if !ok {
		return ""
	}
	token, err := gen()
	if err != nil {
		slog.Error("failed to generate csrf token", slog.Any("error", err))
		return ""
	}
	c.Set(csrfTokenKey, token)
	return token
}

// IssueCSRFToken mints a token for a JSON client and also sets it as the
// X-CSRF-Token response header. Tokens are single use, so clients fetch a
// fresh one before each state-changing request.
func IssueCSRFToken(c echo.Context) string {
	token := GetCSRFToken(c)
	if token != "" {
		c.Response().Header().Set(csrfHeaderName, token)
	}
	return token
}
