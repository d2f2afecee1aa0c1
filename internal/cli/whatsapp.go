package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/channels"
)

var whatsappCmd = &cobra.Command{
	Use:   "whatsapp",
	Short: "Manage the WhatsApp session",
}

var whatsappLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Pair this host with a WhatsApp account via QR code",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "📲 WhatsApp Login")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sess, err := channels.OpenWhatsApp(ctx, cfg.Channels.WhatsApp.SessionPath, cfg.Channels.WhatsApp.LogLevel)
		if err != nil {
			return err
		}
		defer sess.Close()
		return sess.Pair(ctx, cfg.Channels.WhatsApp.QRPath, out)
	},
}

func init() {
	whatsappCmd.AddCommand(whatsappLoginCmd)
	rootCmd.AddCommand(whatsappCmd)
}
