package main

import (
	"github.com/spf13/cobra"

	"github.com/MrWong99/fablevoice/internal/app"
)

func newMigrateCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema of the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context(), cfg.Store); err != nil {
				return err
			}
			printLine(cmd, "schema up to date (%s)", cfg.Store.Backend)
			return nil
		},
	}
}
