// Package main is the entry point for the Gatekeeper server. It loads
// configuration, connects to whatever backing stores the config asks for,
// wires the auth services and plugins, and starts the HTTP server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/keyxmakerx/gatekeeper/internal/app"
	"github.com/keyxmakerx/gatekeeper/internal/config"
	"github.com/keyxmakerx/gatekeeper/internal/database"
)

// shutdownTimeout is how long in-flight requests get to finish.
const shutdownTimeout = 10 * time.Second

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Configure structured logging based on environment.
	setupLogging(cfg)

	slog.Info("starting Gatekeeper",
		slog.String("env", cfg.Env),
		slog.String("mode", cfg.Mode().String()),
		slog.Int("port", cfg.Port),
		slog.String("session_backend", cfg.Session.Backend),
		slog.String("rate_limit_backend", cfg.RateLimit.Backend),
	)
	if cfg.Auth.UsingDevKey {
		slog.Warn("using the built-in development key; set SECRET_KEY before deploying")
	}
	if cfg.Auth.AnonDevCapabilities {
		slog.Warn("anonymous callers have write capabilities (ANON_DEV_CAPABILITIES)")
	}

	// Backing stores may still be starting; a signal during the wait aborts.
	startCtx, stopStart := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopStart()

	// --- Connect to MariaDB (audit persistence only) ---
	var db *sql.DB
	if cfg.Audit.DB {
		db, err = database.NewMariaDB(startCtx, cfg.Database)
		if err != nil {
			slog.Error("failed to connect to MariaDB", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("connected to MariaDB")

		if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
			slog.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// --- Connect to Redis (shared stores only) ---
	var rdb redis.UniversalClient
	if cfg.NeedsRedis() {
		client, err := database.NewRedis(startCtx, cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to Redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer client.Close()
		rdb = client
		slog.Info("connected to Redis")
	}

	// --- Build Services ---
	services, err := app.NewServices(cfg, db, rdb)
	if err != nil {
		slog.Error("failed to build services", slog.Any("error", err))
		os.Exit(1)
	}
	services.StartBackground()
	defer services.Close()

	// --- Create Application ---
	application := app.New(cfg, db, rdb, services)
	application.RegisterRoutes()

	// --- Serve until SIGINT/SIGTERM ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := application.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return application.Echo.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server stopped with error", slog.Any("error", err))
	}
	slog.Info("server stopped")
}

// setupLogging configures the global slog logger. Development uses text
// format for readability, production JSON for log aggregation. LOG_LEVEL
// overrides the default level of either.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.IsDevelopment() {
		level = slog.LevelDebug
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
