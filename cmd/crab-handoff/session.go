package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-handoff/internal/session"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <workspace-id> <session-id>",
		Short: "Print a stored session as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				if errors.Is(err, session.ErrNotFound) {
					return fmt.Errorf("session %s/%s not found", args[0], args[1])
				}
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	})
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the session tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DBDriver == "memory" {
				fmt.Fprintln(cmd.OutOrStdout(), "memory driver has nothing to migrate")
				return nil
			}
			// opening the gorm store runs the migration
			store, err := session.OpenGormStore(storeOptions(a.cfg, a.logger))
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", a.cfg.DBDriver)
			return nil
		},
	}
}
