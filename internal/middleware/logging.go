// Package middleware holds the HTTP middleware of the Gatekeeper server:
// logging, recovery, security headers, CORS, trusted proxies, CSRF and
// rate limiting. Registration order lives in internal/app.
package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// sensitiveParams are query parameters that must never reach the logs. The
// OAuth callback carries the authorization code and state in its query.
var sensitiveParams = []string{"code", "state", "token", "id_token", "access_token"}

// quietPaths are polled by orchestrators and scrapers; they log at debug.
var quietPaths = map[string]bool{"/healthz": true, "/metrics": true}

// maxRequestIDLen caps an inbound X-Request-ID before it is echoed or logged.
const maxRequestIDLen = 64

// RequestLogger returns middleware that logs one line per request once the
// response is written. Errors are handed to the error handler first so the
// logged status is the one the client saw. Every response carries an
// X-Request-ID, reusing a sane inbound one from the proxy.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			res := c.Response()

			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			res.Header().Set(echo.HeaderXRequestID, id)

			if err := next(c); err != nil {
				c.Error(err)
			}

			attrs := []slog.Attr{
				slog.String("request_id", id),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", res.Status),
				slog.Duration("latency", time.Since(start)),
				slog.String("remote_ip", c.RealIP()),
			}
			if req.URL.RawQuery != "" {
				attrs = append(attrs, slog.String("query", redactQuery(req.URL.RawQuery)))
			}

			level := slog.LevelInfo
			switch {
			case res.Status >= 500:
				level = slog.LevelError
			case res.Status >= 400:
				level = slog.LevelWarn
			case quietPaths[req.URL.Path]:
				level = slog.LevelDebug
			}
			slog.LogAttrs(req.Context(), level, "request", attrs...)

			return nil
		}
	}
}

// redactQuery replaces the values of sensitive parameters with "REDACTED".
// An unparseable query is dropped entirely.
func redactQuery(raw string) string {
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "[unparseable]"
	}
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
		}
	}
	return q.Encode()
}
