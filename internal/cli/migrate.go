package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/actions"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the action store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer store.Close()
		v, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d/%d at %s\n", v, actions.LatestVersion(), cfg.Database.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
