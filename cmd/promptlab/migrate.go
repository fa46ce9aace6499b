package main

import (
	"github.com/spf13/cobra"

	"github.com/ahrav/go-promptlab/internal/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		s, err := sqlite.Open(cmd.Context(), sqlite.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
		if err != nil {
			return err
		}
		logger.Info("schema up to date", "path", cfg.Store.Path)
		return s.Close()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
