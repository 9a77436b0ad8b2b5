package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// CORSConfig holds configuration for the CORS middleware.
type CORSConfig struct {
	// AllowedOrigins is the list of origins permitted to make cross-origin
	// requests, compared case-insensitively without a trailing slash.
	// "*" allows every origin but never with credentials.
	// Example: ["https://editor.example.com", "http://localhost:3000"]
	AllowedOrigins []string

	// AllowCredentials lets the browser send the session cookie
	// cross-origin, e.g. from a hosted script editor.
	AllowCredentials bool

	// PathPrefixes limits CORS to these routes. Empty means every route.
	// The login and callback pages never need it.
	PathPrefixes []string
}

// Methods and headers a cross-origin script editor may use.
var (
	corsAllowMethods = strings.Join([]string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
	}, ", ")
	corsAllowHeaders = strings.Join([]string{
		"Accept", "Content-Type", "Authorization", csrfHeaderName,
	}, ", ")
	corsExposeHeaders = "Retry-After, " + csrfHeaderName
)

// CORS returns middleware that handles Cross-Origin Resource Sharing headers.
// Requests from origins outside the list pass through without CORS headers
// and the browser blocks the response.
func CORS(cfg CORSConfig) echo.MiddlewareFunc {
	allowAll := false
	originSet := make(map[string]bool)
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		originSet[normalizeOrigin(o)] = true
	}

	// Wildcard with credentials would let any site act as the signed-in
	// user.
	if allowAll && cfg.AllowCredentials {
		slog.Warn("CORS wildcard origin configured with credentials; credentials disabled")
		cfg.AllowCredentials = false
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			origin := req.Header.Get("Origin")
			if origin == "" || !pathMatches(req.URL.Path, cfg.PathPrefixes) {
				return next(c)
			}
			if !allowAll && !originSet[normalizeOrigin(origin)] {
				return next(c)
			}

			h := c.Response().Header()
			h.Add("Vary", "Origin")
			if allowAll && !cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "3600")
				return c.NoContent(http.StatusNoContent)
			}

			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			return next(c)
		}
	}
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}

func pathMatches(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	return isExempt(path, prefixes)
}
