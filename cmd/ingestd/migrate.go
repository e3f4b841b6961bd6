package main

import (
	"github.com/spf13/cobra"

	"github.com/openmusicplayer/ingestd/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.New(cfg.DSN())
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info(cmd.Context(), "migrations applied")
		return nil
	},
}
