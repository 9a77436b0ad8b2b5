package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/ratelimit"
)

// RateLimit returns middleware that limits requests per client IP using l.
// Buckets are keyed by scope and IP, so one limiter can serve several
// route groups without them sharing a budget.
// Returns 429 with a Retry-After header when the budget is spent. If the
// limiter itself fails (e.g. Redis is down) the request is let through and
// the failure is logged. onLimit, when set, is called for each rejection.
func RateLimit(l ratelimit.Limiter, scope string, onLimit func(c echo.Context)) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()

			d, err := l.Allow(c.Request().Context(), scope+":"+ip)
			if err != nil {
				slog.Error("rate limiter unavailable",
					slog.String("scope", scope),
					slog.Any("error", err),
				)
				return next(c)
			}
			if d.Allowed {
				return next(c)
			}

			slog.Warn("rate limit exceeded",
				slog.String("scope", scope),
				slog.String("remote_ip", ip),
			)
			if onLimit != nil {
				onLimit(c)
			}
			SetRetryAfter(c, d.RetryAfter)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"type":    "rate_limited",
				"message": "too many requests, try again later",
			})
		}
	}
}

// SetRetryAfter writes the Retry-After header in whole seconds, at least 1.
func SetRetryAfter(c echo.Context, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
}
