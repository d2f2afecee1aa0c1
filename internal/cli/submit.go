package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/idempotency"
	"github.com/KafClaw/nexa/internal/policy"
)

var (
	submitPlatform   string
	submitRoom       string
	submitMessage    string
	submitLabel      string
	submitConfidence float64
	submitKind       string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Record an action for a classified message",
	Long: "Record an action for a classified message. Without --kind the label is\n" +
		"mapped through the decision policy. Submitting the same decision twice is a no-op.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := &actions.Action{
			MessageID:  strings.TrimSpace(submitMessage),
			Platform:   strings.ToLower(strings.TrimSpace(submitPlatform)),
			RoomID:     strings.TrimSpace(submitRoom),
			Label:      strings.ToUpper(strings.TrimSpace(submitLabel)),
			Confidence: submitConfidence,
			CreatedAt:  time.Now().UTC(),
		}
		reason := "explicit"
		if submitKind != "" {
			kind, err := actions.ParseKind(submitKind)
			if err != nil {
				return err
			}
			a.Kind = kind
		} else {
			d := policy.NewDefaultEngine().Decide(policy.Input{Label: a.Label, Confidence: a.Confidence})
			a.Kind, reason = d.Kind, d.Reason
		}
		if err := a.Validate(); err != nil {
			return err
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

		inserted, err := store.Insert(cmd.Context(), a)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !inserted {
			fmt.Fprintf(out, "Duplicate: action %d already records %s for %s/%s/%s\n", a.ID, a.Kind, a.Platform, a.RoomID, a.MessageID)
			return nil
		}
		fmt.Fprintf(out, "Recorded action %d: %s (%s) key %s\n", a.ID, a.Kind, reason, idempotency.Short(idempotency.KeyFor(a), 12))
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitPlatform, "platform", "", "Source platform (whatsapp, slack, ...)")
	submitCmd.Flags().StringVar(&submitRoom, "room", "", "Conversation id on the platform")
	submitCmd.Flags().StringVar(&submitMessage, "message", "", "Source message id")
	submitCmd.Flags().StringVar(&submitLabel, "label", "", "Classifier label")
	submitCmd.Flags().Float64Var(&submitConfidence, "confidence", 1, "Classifier confidence in [0,1]")
	submitCmd.Flags().StringVar(&submitKind, "kind", "", "Action kind (NOTIFY, ESCALATE, SUPPRESS, IGNORE); default from policy")
	rootCmd.AddCommand(submitCmd)
}
