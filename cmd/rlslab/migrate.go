package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ansoraGROUP/rlslab/internal/config"
	"github.com/ansoraGROUP/rlslab/internal/database"
	"github.com/ansoraGROUP/rlslab/internal/logging"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tutorial tables and RLS policies in DATABASE_URL",
		Long: `Create the tutorial schema (profiles, posts, likes and their RLS
policies) in the database at DATABASE_URL. Already applied migrations are
skipped.

Use this to prepare a local Postgres for DATA_BACKEND=postgres. A hosted
Supabase project already has the schema from the tutorial.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logging.Init(cfg.LogLevel, cfg.LogFormat)
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			pool, err := database.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrations, err := database.TutorialMigrations()
			if err != nil {
				return err
			}
			applied, err := database.Migrate(ctx, pool, migrations)
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			}
			return nil
		},
	}
}
