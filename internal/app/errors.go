package app

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
	"github.com/keyxmakerx/gatekeeper/internal/middleware"
	"github.com/keyxmakerx/gatekeeper/internal/ratelimit"
	"github.com/keyxmakerx/gatekeeper/internal/templates/pages"
)

// loginPath is where browsers without a session are sent.
const loginPath = "/auth/login"

// statusMessages are shown when an error carries no message of its own.
var statusMessages = map[int]string{
	http.StatusBadRequest:          "The request was invalid or cannot be processed.",
	http.StatusUnauthorized:        "Sign in to continue.",
	http.StatusForbidden:           "Your account cannot do that.",
	http.StatusNotFound:            "Nothing lives at this address.",
	http.StatusMethodNotAllowed:    "This action is not allowed.",
	http.StatusUnprocessableEntity: "The submitted data could not be processed.",
	http.StatusTooManyRequests:     "Too many attempts. Wait a moment and try again.",
	http.StatusBadGateway:          "The sign-in provider could not be reached. Please try again.",
	http.StatusServiceUnavailable:  "Gatekeeper is temporarily unavailable. Please try again later.",
}

func statusMessage(code int) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return "Something went wrong. Please try again."
}

// errorResponse is what the client learns about a failed request.
type errorResponse struct {
	Code    int    `json:"-"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// classify turns any handler error into a client-safe response and logs
// what the client must not see.
func classify(err error, c echo.Context) errorResponse {
	path := c.Request().URL.Path

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		if appErr.Internal != nil {
			level := slog.LevelWarn
			if appErr.Code >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			slog.Log(c.Request().Context(), level, "request failed",
				slog.String("type", appErr.Type),
				slog.String("message", appErr.Message),
				slog.Any("internal", appErr.Internal),
				slog.String("path", path),
			)
		}
		return errorResponse{Code: appErr.Code, Type: appErr.Type, Message: appErr.Message}
	}

	// Router errors: unknown route, wrong method.
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg, _ := httpErr.Message.(string)
		if msg == "" || msg == http.StatusText(httpErr.Code) {
			msg = statusMessage(httpErr.Code)
		}
		return errorResponse{Code: httpErr.Code, Type: middleware.ErrorType(httpErr.Code), Message: msg}
	}

	slog.Error("unhandled error", slog.Any("error", err), slog.String("path", path))
	return errorResponse{
		Code:    http.StatusInternalServerError,
		Type:    "internal_error",
		Message: statusMessage(http.StatusInternalServerError),
	}
}

// errorHandler answers a failed request in the shape the client expects:
// JSON for API callers, a redirect to sign-in for browsers that lost their
// session, and the error page otherwise. A failed login (bad state, denied
// consent) stays on the error page so the user sees why.
func (a *App) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	resp := classify(err, c)

	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) && c.Response().Header().Get("Retry-After") == "" {
		middleware.SetRetryAfter(c, limited.RetryAfter)
	}

	if middleware.WantsJSON(c) {
		_ = c.JSON(resp.Code, resp)
		return
	}

	if middleware.IsHTMX(c) {
		if resp.Code == http.StatusUnauthorized {
			c.Response().Header().Set("HX-Redirect", loginPath)
			_ = c.NoContent(http.StatusNoContent)
			return
		}
		// Swap the whole body, not the fragment the request targeted.
		c.Response().Header().Set("HX-Retarget", "body")
		c.Response().Header().Set("HX-Reswap", "innerHTML")
	}

	if resp.Code == http.StatusUnauthorized && !strings.HasPrefix(c.Request().URL.Path, "/auth/callback/") {
		_ = c.Redirect(http.StatusSeeOther, loginPath)
		return
	}

	if renderErr := middleware.Render(c, resp.Code, pages.ErrorPage(resp.Code, resp.Message)); renderErr != nil {
		slog.Error("rendering error page", slog.Any("error", renderErr))
		_ = c.String(resp.Code, resp.Message)
	}
}
