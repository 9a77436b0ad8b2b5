package middleware

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"
)

// LayoutInjector copies the caller's identity and CSRF token from the Echo
// context into the context.Context the pages render with. Registered once
// at startup in app/routes.go so this package never imports plugin types.
var LayoutInjector func(echo.Context, context.Context) context.Context

// WantsJSON reports whether the client expects a JSON body rather than a
// page: the /api prefix, a bearer token, or an Accept header asking for it.
func WantsJSON(c echo.Context) bool {
	req := c.Request()
	if strings.HasPrefix(req.URL.Path, "/api") {
		return true
	}
	if strings.HasPrefix(req.Header.Get(echo.HeaderAuthorization), "Bearer ") {
		return true
	}
	return strings.Contains(req.Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON)
}

// IsHTMX reports whether HTMX issued the request, boosted or not.
func IsHTMX(c echo.Context) bool {
	return c.Request().Header.Get("HX-Request") == "true"
}

// Render writes a Templ component with the given status code. The page is
// rendered into a buffer first, so a failing component returns its error
// before anything is committed and the error handler can still respond.
func Render(c echo.Context, statusCode int, component templ.Component) error {
	ctx := c.Request().Context()
	if LayoutInjector != nil {
		ctx = LayoutInjector(c, ctx)
	}

	var buf bytes.Buffer
	if err := component.Render(ctx, &buf); err != nil {
		return err
	}
	return c.Blob(statusCode, echo.MIMETextHTMLCharsetUTF8, buf.Bytes())
}

// ErrorType is the snake_case error type reported for a status that did
// not come from an AppError, e.g. "method_not_allowed".
func ErrorType(code int) string {
	return strings.ToLower(strings.ReplaceAll(http.StatusText(code), " ", "_"))
}
