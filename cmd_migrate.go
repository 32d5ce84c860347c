package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
		a.log.WithField("driver", a.cfg.DB.Driver).Info("schema is up to date")
		return nil
	},
}
