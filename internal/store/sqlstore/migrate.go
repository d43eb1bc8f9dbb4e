package sqlstore

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// NewMigrator opens a dedicated connection and returns a migrator for the
// embedded schema. Closing the migrator closes that connection.
func NewMigrator(cfg store.StoreConfig) (*migrate.Migrate, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(migrationsFS, "migrations/"+db.driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}

	var drv database.Driver
	switch db.driver {
	case DriverPostgres:
		drv, err = postgres.WithInstance(db.DB, &postgres.Config{})
	case DriverSQLite:
		drv, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, db.driver, drv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// MigrateUp applies every pending migration.
func MigrateUp(cfg store.StoreConfig) error {
	m, err := NewMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	v, dirty, _ := m.Version()
	slog.Info("migration complete", "driver", cfg.Driver, "version", v, "dirty", dirty)
	return nil
}
