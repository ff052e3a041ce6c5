package main

import (
	"context"
	"fmt"
	"time"

	"river-workorder/internal/database"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.NewPostgresDB(&cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close(db)

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		n, err := database.Migrate(ctx, db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d statements to %s\n", n, cfg.Database.Database)
		return nil
	},
}
