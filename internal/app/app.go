// Package app is the application bootstrap and dependency injection root.
// It holds the shared infrastructure (DB pool, Redis client, Echo instance)
// and the services built from config, and wires the plugins together.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/gatekeeper/internal/config"
	"github.com/keyxmakerx/gatekeeper/internal/middleware"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/audit"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/auth"
)

// App ties the built services to an Echo server. main builds one, registers
// routes on it and starts it.
type App struct {
	Config *config.Config

	// DB is the MariaDB pool. Nil unless audit persistence is enabled.
	DB *sql.DB

	// Redis is the shared client for sessions, nonces and rate limiting.
	// Nil when every store runs in memory.
	Redis redis.UniversalClient

	// Services holds the components built from Config.
	Services *Services

	Echo *echo.Echo
}

// New configures an Echo server around svc: trusted proxies, global
// middleware and the error handler.
func New(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient, svc *Services) *App {
	e := echo.New()

	// Start logs its own line.
	e.HideBanner = true
	e.HidePort = true

	// Only forwarding headers from these proxies are believed, so
	// c.RealIP() is safe to key rate limits, state binding and
	// fingerprints on.
	middleware.TrustedProxies(e, cfg.TrustedProxies)

	app := &App{
		Config:   cfg,
		DB:       db,
		Redis:    rdb,
		Services: svc,
		Echo:     e,
	}

	app.setupMiddleware()
	e.HTTPErrorHandler = app.errorHandler

	return app
}

// setupMiddleware registers the global middleware, outermost first. CORS
// preflights are answered before any session lookup.
func (a *App) setupMiddleware() {
	// One log line per request, written after the error handler ran.
	// Query strings are redacted.
	a.Echo.Use(middleware.RequestLogger())

	// Panics become internal errors, logged above with their final status.
	a.Echo.Use(middleware.Recovery())

	// CSP and friends. HSTS only once the public URL is HTTPS.
	a.Echo.Use(middleware.SecurityHeaders(middleware.SecurityConfig{
		HSTS:           strings.HasPrefix(a.Config.BaseURL, "https://"),
		ConnectSources: a.Config.CORSOrigins,
	}))

	// CORS -- only for script editors hosted on other origins.
	if len(a.Config.CORSOrigins) > 0 {
		a.Echo.Use(middleware.CORS(middleware.CORSConfig{
			AllowedOrigins:   a.Config.CORSOrigins,
			AllowCredentials: true,
			PathPrefixes:     []string{"/auth/status", "/auth/me", "/scripts"},
		}))
	}

	// Resolve the caller (signed-in or anonymous) for every request, so
	// CSRF failures are attributed to the session that sent them.
	a.Echo.Use(auth.LoadUser(a.Services.Auth))

	// CSRF -- signed single-use tokens on every state-changing request.
	// OAuth callbacks are exempt: their state parameter is the token.
	a.Echo.Use(middleware.CSRF(middleware.CSRFConfig{
		Protector:      a.Services.CSRF,
		SessionCookie:  auth.SessionCookieName,
		ExemptPrefixes: []string{"/auth/callback/"},
		OnFailure:      a.recordCSRFFailure,
	}))
}

func (a *App) recordCSRFFailure(c echo.Context, err error) {
	a.Services.recordRequest(c, audit.Entry{
		Action:  audit.ActionCSRFFailed,
		UserID:  auth.GetUserID(c),
		IP:      c.RealIP(),
		Reason:  "csrf_token_invalid",
		Details: map[string]string{"path": c.Request().URL.Path},
	})
}

// Start serves on the configured port until Echo is shut down.
func (a *App) Start() error {
	addr := fmt.Sprintf(":%d", a.Config.Port)
	slog.Info("starting Gatekeeper server",
		slog.String("addr", addr),
		slog.String("env", a.Config.Env),
		slog.String("mode", a.Config.Mode().String()),
		slog.Any("providers", a.Services.Providers.Names()),
	)
	return a.Echo.Start(addr)
}
