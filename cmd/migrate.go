package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convoflow/internal/store/sqlstore"
)

// withMigrator opens the embedded-schema migrator for the configured database,
// runs fn and closes it.
func withMigrator(fn func(m *migrate.Migrate) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := storeConfig(cfg)
	if err != nil {
		return err
	}
	m, err := sqlstore.NewMigrator(sc)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func logVersion(m *migrate.Migrate, msg string) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info(msg, "version", "none")
		return
	}
	slog.Info(msg, "version", v, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the embedded database schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := max(steps, 1)
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Steps(-n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate down: %w", err)
				}
				logVersion(m, "rollback complete")
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("migrate up: %w", err)
					}
					logVersion(m, "migration complete")
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					switch {
					case errors.Is(err, migrate.ErrNilVersion):
						fmt.Println("version: none")
					case err != nil:
						return fmt.Errorf("get version: %w", err)
					default:
						fmt.Printf("version: %d, dirty: %v\n", v, dirty)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set migration version (no migration applied)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Force(version); err != nil {
						return fmt.Errorf("force version: %w", err)
					}
					slog.Info("forced version", "version", version)
					return nil
				})
			},
		},
	)
	return cmd
}
