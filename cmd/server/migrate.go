package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/atmx/share-settlement/internal/config"
	"github.com/atmx/share-settlement/internal/store"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPostgres(cmd.Context(), *configPath, func(ctx context.Context, pg *store.PostgresStore) error {
				if err := pg.Migrate(ctx); err != nil {
					return err
				}
				slog.Info("migrations applied")
				return nil
			})
		},
	}
	cmd.AddCommand(newMigrateDownCmd(configPath))
	return cmd
}

func newMigrateDownCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the latest applied migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return fmt.Errorf("migrate down: --steps must be positive, got %d", steps)
			}
			return withPostgres(cmd.Context(), *configPath, func(ctx context.Context, pg *store.PostgresStore) error {
				if err := pg.MigrateDown(ctx, steps); err != nil {
					return err
				}
				slog.Info("migrations reverted", "steps", steps)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to revert")
	return cmd
}

func withPostgres(ctx context.Context, configPath string, fn func(context.Context, *store.PostgresStore) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("migrate: database url is not configured")
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	return fn(ctx, store.NewPostgresStore(pool))
}
