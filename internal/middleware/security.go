package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityConfig tunes the headers SecurityHeaders sends.
type SecurityConfig struct {
	// HSTS sends Strict-Transport-Security. Enable only when the public
	// base URL is HTTPS.
	HSTS bool

	// ConnectSources are extra origins page scripts may call, e.g. a
	// hosted script editor. Appended to connect-src.
	ConnectSources []string
}

// contentPolicy allows same-origin resources only. Gatekeeper serves its
// own login and status pages; provider sign-in happens by top-level
// redirect, which connect-src and form-action do not govern.
func contentPolicy(connect []string) string {
	connectSrc := "'self'"
	if len(connect) > 0 {
		connectSrc += " " + strings.Join(connect, " ")
	}
	return strings.Join([]string{
		"default-src 'self'",
		"script-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data: https:",
		"connect-src " + connectSrc,
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}, "; ")
}

// SecurityHeaders returns middleware that sets security-related HTTP
// headers on every response.
func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	csp := contentPolicy(cfg.ConnectSources)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("Content-Security-Policy", csp)
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cross-Origin-Opener-Policy", "same-origin")

			// The callback URL carries the code; never leak it via Referer.
			h.Set("Referrer-Policy", "no-referrer")

			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")

			// Auth responses are per-user; never cache them in shared caches.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
