package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/secrets"
)

var (
	authToken  string
	authDelete bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Store channel credentials in the OS keyring",
}

var authSlackCmd = &cobra.Command{
	Use:   "slack",
	Short: "Store the Slack bot token (reads stdin when --token is omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuth(cmd, secrets.SlackBotToken)
	},
}

var authKafkaCmd = &cobra.Command{
	Use:   "kafka",
	Short: "Store the Kafka SASL password (reads stdin when --token is omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuth(cmd, secrets.KafkaPassword)
	},
}

func init() {
	for _, c := range []*cobra.Command{authSlackCmd, authKafkaCmd} {
		c.Flags().StringVar(&authToken, "token", "", "Secret value")
		c.Flags().BoolVar(&authDelete, "delete", false, "Remove the stored value")
		authCmd.AddCommand(c)
	}
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, name string) error {
	store := secrets.NewKeyringStore()
	out := cmd.OutOrStdout()
	if authDelete {
		if err := store.DeleteToken(name); err != nil && !errors.Is(err, secrets.ErrTokenNotFound) {
			return err
		}
		fmt.Fprintf(out, "Removed %s\n", name)
		return nil
	}
	token := strings.TrimSpace(authToken)
	if token == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read %s from stdin: %w", name, err)
		}
		token = strings.TrimSpace(line)
	}
	if err := store.SetToken(name, token); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored %s in keyring (%s)\n", name, tokenStatus(name))
	return nil
}

func tokenStatus(name string) string {
	_, err := secrets.NewKeyringStore().GetToken(name)
	switch {
	case err == nil:
		return "stored"
	case errors.Is(err, secrets.ErrTokenNotFound):
		return "not stored"
	}
	return "unavailable: " + err.Error()
}
