package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/nexa/internal/actions"
)

var (
	actionsState string
	actionsSince time.Duration
	actionsLimit int
	actionsJSON  bool
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List recorded actions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := actions.Filter{Limit: actionsLimit}
		for _, part := range strings.Split(actionsState, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := actions.ParseState(part)
			if err != nil {
				return err
			}
			f.States = append(f.States, st)
		}
		if actionsSince > 0 {
			f.CreatedAfter = time.Now().Add(-actionsSince)
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

		list, err := store.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if actionsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if list == nil {
				list = []actions.Action{}
			}
			return enc.Encode(list)
		}
		writeActionTable(cmd.OutOrStdout(), list)
		return nil
	},
}

func init() {
	actionsCmd.Flags().StringVar(&actionsState, "state", "", "Comma-separated states to include")
	actionsCmd.Flags().DurationVar(&actionsSince, "since", 0, "Only actions created within this window (e.g. 1h)")
	actionsCmd.Flags().IntVar(&actionsLimit, "limit", 100, "Maximum rows")
	actionsCmd.Flags().BoolVar(&actionsJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(actionsCmd)
}

func writeActionTable(w io.Writer, list []actions.Action) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No actions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tKIND\tPLATFORM\tROOM\tMESSAGE\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, a := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, stateColor(a.State), a.Kind, a.Platform, a.RoomID, a.MessageID, a.Attempts,
			a.CreatedAt.Local().Format(time.DateTime), clip(a.LastError, 60))
	}
	tw.Flush()
}

func stateColor(st actions.State) string {
	switch st {
	case actions.StateDone:
		return color.GreenString(string(st))
	case actions.StateFailed, actions.StateExecuting:
		return color.YellowString(string(st))
	case actions.StateDead:
		return color.RedString(string(st))
	}
	return string(st)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
