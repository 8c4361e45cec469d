package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/alecgard/agentpay/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback all migrations",
	RunE:  runMigrateDown,
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	m, err := migrate.New(cfg.MigrationsSource(), cfg.DatabaseURLForMigrate())
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	slog.Info("migrations applied successfully")

	if cfg.UsesRiver() {
		return migrateRiver(cmd.Context(), cfg, rivermigrate.DirectionUp)
	}
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if cfg.UsesRiver() {
		if err := migrateRiver(cmd.Context(), cfg, rivermigrate.DirectionDown); err != nil {
			return err
		}
	}

	m, err := migrate.New(cfg.MigrationsSource(), cfg.DatabaseURLForMigrate())
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	slog.Info("migrations rolled back successfully")
	return nil
}

// migrateRiver applies or removes river's job tables.
func migrateRiver(ctx context.Context, cfg *config.Config, dir rivermigrate.Direction) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	var opts *rivermigrate.MigrateOpts
	if dir == rivermigrate.DirectionDown {
		opts = &rivermigrate.MigrateOpts{TargetVersion: -1}
	}
	if _, err := migrator.Migrate(ctx, dir, opts); err != nil {
		return err
	}
	slog.Info("river migrations applied", "direction", dir)
	return nil
}
