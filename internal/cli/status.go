package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store, channel and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 nexa status")
		fmt.Fprintf(out, "Version: %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Config:  ✓ Found ("+path+")")
			} else {
				fmt.Fprintln(out, "Config:  ✗ Not found, using defaults")
			}
		}
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
		fmt.Fprintf(out, "Store:   %s (%s, schema v%d)\n", cfg.Database.Path, cfg.Database.Driver, v)

		counts, err := store.CountByState(cmd.Context())
		if err != nil {
			return err
		}
		for _, st := range actions.States {
			fmt.Fprintf(out, "  %-10s %d\n", stateColor(st), counts[st])
		}

		if cfg.Channels.WhatsApp.Enabled {
			if _, err := os.Stat(cfg.Channels.WhatsApp.SessionPath); err == nil {
				fmt.Fprintln(out, "WhatsApp: ✓ Enabled, session found")
			} else {
				fmt.Fprintln(out, "WhatsApp: ✗ Enabled, no session (run 'nexa whatsapp login')")
			}
		} else {
			fmt.Fprintln(out, "WhatsApp: ✗ Disabled")
		}
		switch {
		case !cfg.Channels.Slack.Enabled:
			fmt.Fprintln(out, "Slack:    ✗ Disabled")
		case cfg.Channels.Slack.BotToken != "":
			fmt.Fprintln(out, "Slack:    ✓ Enabled")
		default:
			fmt.Fprintln(out, "Slack:    ✗ Enabled, no token (run 'nexa auth slack')")
		}
		fmt.Fprintf(out, "Escalation: %s\n", cfg.Escalation.Mode)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
