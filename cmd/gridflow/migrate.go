package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/gridflow/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.DBPath == memoryDB {
			fmt.Fprintln(cmd.ErrOrStderr(), "In-memory store: nothing to migrate")
			return nil
		}
		ctx := cmd.Context()
		lock, err := lockDatabase(ctx, cfg.DBPath, cfg.Lock.Timeout)
		if err != nil {
			return err
		}
		defer lock.Unlock()

		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()

		applied, err := s.MigrateVerbose(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "Database is up to date")
			return nil
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
