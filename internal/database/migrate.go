package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"

	// File source driver for reading migration files from disk.
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationsTable tracks applied versions. It is prefixed so the audit
// table can live in a schema shared with other services.
const MigrationsTable = "gatekeeper_schema_migrations"

// migrationLockTimeout bounds how long a starting instance waits for another
// instance that is migrating the same schema.
const migrationLockTimeout = 30 * time.Second

// ErrDirtySchema is returned when a previous migration failed halfway. The
// schema must be repaired by hand and the version forced before startup.
var ErrDirtySchema = errors.New("audit schema is dirty")

// RunMigrations applies the pending audit migrations. Safe to run on every
// startup; applied versions are skipped.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := mysql.WithInstance(db, &mysql.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "mysql", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	m.Log = migrateLogger{}
	m.LockTimeout = migrationLockTimeout

	if err := checkClean(m); err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	slog.Info("audit schema ready", slog.Uint64("version", uint64(version)))
	return nil
}

// checkClean refuses to migrate over a half-applied version.
func checkClean(m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, version)
	}
	return nil
}

// migrateLogger routes golang-migrate's progress lines through slog.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug("migrate: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrateLogger) Verbose() bool { return false }
