package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/actions"
)

var (
	recoverLease time.Duration
	recoverMode  string
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Release leases held longer than the lease timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		lease := cfg.Executor.LeaseTimeout()
		if recoverLease > 0 {
			lease = recoverLease
		}
		mode, err := cfg.Executor.RecoveryMode()
		if err != nil {
			return err
		}
		if recoverMode != "" {
			if mode, err = actions.ParseRecoveryMode(recoverMode); err != nil {
				return err
			}
		}

		store, err := openStore(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		recovered, err := store.RecoverStuck(cmd.Context(), time.Now(), lease, mode)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range recovered {
			fmt.Fprintf(out, "Action %d -> %s\n", r.ID, stateColor(r.State))
		}
		fmt.Fprintf(out, "Recovered %d lease(s) older than %s (%s)\n", len(recovered), lease, mode)
		return nil
	},
}

func init() {
	recoverCmd.Flags().DurationVar(&recoverLease, "lease-timeout", 0, "Override executor.leaseTimeoutSeconds")
	recoverCmd.Flags().StringVar(&recoverMode, "mode", "", "penalize or requeue (default from config)")
	rootCmd.AddCommand(recoverCmd)
}
