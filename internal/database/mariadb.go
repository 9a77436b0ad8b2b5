// Package database opens the optional backing stores: MariaDB for the
// persisted audit trail and Redis for shared sessions, nonces and rate
// limits. Each is connected once at startup, only when the config asks
// for it, and handed to the services that need it.
package database

import (
	"context"
	"database/sql"
	"fmt"

	// MariaDB driver -- imported for side effect of registering the driver.
	_ "github.com/go-sql-driver/mysql"

	"github.com/keyxmakerx/gatekeeper/internal/config"
)

// NewMariaDB opens the audit database pool and waits until it answers.
func NewMariaDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening mariadb connection: %w", err)
	}
	configurePool(db, cfg)

	if err := waitReady(ctx, "mariadb", cfg.ConnectAttempts, db.PingContext); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// configurePool applies the pool limits. Zero values keep the driver
// defaults, and idle connections never outnumber open ones.
func configurePool(db *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	idle := cfg.MaxIdleConns
	if cfg.MaxOpenConns > 0 && idle > cfg.MaxOpenConns {
		idle = cfg.MaxOpenConns
	}
	if idle > 0 {
		db.SetMaxIdleConns(idle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}
