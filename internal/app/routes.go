package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/gatekeeper/internal/middleware"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/audit"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/auth"
	"github.com/keyxmakerx/gatekeeper/internal/plugins/scripts"
	"github.com/keyxmakerx/gatekeeper/internal/templates/layouts"
	"github.com/keyxmakerx/gatekeeper/internal/templates/pages"
)

// healthTimeout bounds each dependency ping in /healthz.
const healthTimeout = 2 * time.Second

// RegisterRoutes sets up all application routes. It registers public routes
// directly and delegates to each plugin's route registration function.
//
// This is the single place where all routes are aggregated. When a new
// plugin is added, its routes are registered here.
func (a *App) RegisterRoutes() {
	e := a.Echo
	svc := a.Services

	// Templ layouts read the caller from Go's context, not Echo's.
	middleware.LayoutInjector = injectLayout

	// --- Public Routes ---

	e.GET("/", func(c echo.Context) error {
		return middleware.Render(c, http.StatusOK, pages.Home())
	})

	// Health check for the orchestrator. Fails when a configured
	// dependency does not answer.
	e.GET("/healthz", a.health)

	// Prometheus scrape endpoint.
	e.GET("/metrics", echo.WrapHandler(svc.Metrics.Handler()))

	// --- Plugin Routes ---

	// auth plugin (login, callback, status, logout)
	auth.RegisterRoutes(e, auth.NewHandler(svc.Auth, a.Config.Session.TTL), svc.Auth)

	// audit plugin (the caller's own history)
	audit.RegisterRoutes(e, audit.NewHandler(svc.Audit, auth.GetUserID), auth.RequireAuth(svc.Auth))

	// scripts plugin (capability-gated demo catalog)
	scripts.RegisterRoutes(e, scripts.NewHandler(svc.Scripts, svc.Host), svc.Limiter, svc.RecordRateLimit("scripts"))
}

// health pings MariaDB and Redis when they are in use.
func (a *App) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if a.DB != nil {
		status["database"] = "ok"
		if err := a.DB.PingContext(ctx); err != nil {
			status["database"] = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	if a.Redis != nil {
		status["redis"] = "ok"
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	if code != http.StatusOK {
		status["status"] = "degraded"
	}
	return c.JSON(code, status)
}

// injectLayout copies the caller into ctx for templates.
func injectLayout(c echo.Context, ctx context.Context) context.Context {
	d := layouts.Data{Path: c.Request().URL.Path}
	if uc := auth.GetUserContext(c); uc != nil {
		d.Authenticated = uc.Authenticated
		d.UserID = uc.UserID
		d.Name = uc.Name
		d.Provider = uc.Provider
		d.Capabilities = uc.Capabilities.Strings()
		// Only the signed-in nav carries a form.
		if uc.Authenticated {
			d.CSRFToken = middleware.GetCSRFToken(c)
		}
	}
	return layouts.WithData(ctx, d)
}
