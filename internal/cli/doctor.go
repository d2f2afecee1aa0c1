package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/channels"
	"github.com/KafClaw/nexa/internal/config"
	"github.com/KafClaw/nexa/internal/secrets"
)

type doctorStatus string

const (
	doctorPass doctorStatus = "PASS"
	doctorWarn doctorStatus = "WARN"
	doctorFail doctorStatus = "FAIL"
)

type doctorCheck struct {
	Name    string
	Status  doctorStatus
	Message string
}

var doctorTimeout time.Duration

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, store and channel connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
		defer cancel()

		checks := runDoctor(ctx)
		failures := 0
		for _, c := range checks {
			if c.Status == doctorFail {
				failures++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", c.Status, c.Name, c.Message)
		}
		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 20*time.Second, "Overall time limit for network checks")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(ctx context.Context) []doctorCheck {
	var checks []doctorCheck
	add := func(name string, st doctorStatus, format string, args ...any) {
		checks = append(checks, doctorCheck{Name: name, Status: st, Message: fmt.Sprintf(format, args...)})
	}

	cfg, err := config.Load()
	if err != nil {
		add("config", doctorFail, "%v", err)
		return checks
	}
	if err := cfg.Validate(); err != nil {
		add("config", doctorFail, "%v", err)
		return checks
	}
	add("config", doctorPass, "valid")

	if store, err := openStore(ctx, cfg, nil); err != nil {
		add("store", doctorFail, "%v", err)
	} else {
		v, err := store.SchemaVersion(ctx)
		store.Close()
		switch {
		case err != nil:
			add("store", doctorFail, "%v", err)
		case v < actions.LatestVersion():
			add("store", doctorWarn, "schema v%d, latest is v%d", v, actions.LatestVersion())
		default:
			add("store", doctorPass, "%s (schema v%d)", cfg.Database.Path, v)
		}
	}

	if _, err := secrets.NewKeyringStore().GetToken(secrets.SlackBotToken); err != nil {
		add("keyring", doctorWarn, "%s", tokenStatus(secrets.SlackBotToken))
	} else {
		add("keyring", doctorPass, "slack token stored")
	}

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		if _, err := os.Stat(wa.SessionPath); err != nil {
			add("whatsapp", doctorFail, "no session at %s, run 'nexa whatsapp login'", wa.SessionPath)
		} else {
			add("whatsapp", doctorPass, "session %s", wa.SessionPath)
		}
	}

	sl := cfg.Channels.Slack
	if sl.Enabled || cfg.Escalation.Mode == config.EscalationSlack {
		who, err := channels.ProbeSlack(ctx, channels.SlackOptions{BotToken: sl.BotToken, APIBase: sl.APIBase})
		if err != nil {
			add("slack", doctorFail, "%v", err)
		} else {
			add("slack", doctorPass, "authenticated as %s", who)
		}
	}

	if cfg.Escalation.Mode == config.EscalationKafka {
		k := cfg.Escalation.Kafka
		parts, err := channels.ProbeKafka(ctx, channels.KafkaOptions{
			Brokers:       k.Brokers,
			Topic:         k.Topic,
			SASLMechanism: k.SASLMechanism,
			Username:      k.Username,
			Password:      k.Password,
			WriteTimeout:  k.WriteTimeout(),
		})
		if err != nil {
			add("kafka", doctorFail, "%v", err)
		} else {
			add("kafka", doctorPass, "topic %s has %d partition(s)", k.Topic, parts)
		}
	}
	return checks
}
