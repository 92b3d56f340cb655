package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ahmedG3far44/DevPilot-server/internal/app/migrate"
	"github.com/ahmedG3far44/DevPilot-server/pkg/config"
	"github.com/ahmedG3far44/DevPilot-server/pkg/logger"
)

func main() {
	var (
		envFile string
		timeout time.Duration
		target  int64
	)
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the DevPilot database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file merged into the environment")
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")

	withRunner := func(fn func(context.Context, migrate.Runner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			cfg := config.LoadAPIConfig()
			log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			runner, err := migrate.New(pool, cfg.MigrationsDir, log)
			if err != nil {
				pool.Close()
				return err
			}
			defer runner.Close()
			if err := runner.Ping(ctx); err != nil {
				return err
			}
			if err := fn(ctx, runner); err != nil {
				return err
			}
			log.Info("migration command completed", "command", cmd.Name())
			return nil
		}
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --target",
		RunE: withRunner(func(ctx context.Context, r migrate.Runner) error {
			return r.Down(ctx, target)
		}),
	}
	down.Flags().Int64Var(&target, "target", 0, "version to roll back to")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withRunner(func(ctx context.Context, r migrate.Runner) error {
				return r.Ensure(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and their state",
			RunE: withRunner(func(ctx context.Context, r migrate.Runner) error {
				return r.Status(ctx)
			}),
		},
		down,
	)

	ctx := context.Background()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}
