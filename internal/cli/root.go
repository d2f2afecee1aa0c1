package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/nexa/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _ __   _____  ____ _\n" +
		" | '_ \\ / _ \\ \\/ / _` |\n" +
		" | | | |  __/>  < (_| |\n" +
		" |_| |_|\\___/_/\\_\\__,_|\n"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "nexa",
	Short: "nexa - durable action executor",
	Long:  color.CyanString(logo) + "\nExecutes classified message actions at most effectively once, with retries and crash recovery.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFlag != "" {
			if err := os.Setenv("NEXA_CONFIG", configFlag); err != nil {
				return err
			}
		}
		level, err := parseLevel(logLevelFlag)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		return nil
	},
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.nexa/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(versionCmd)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return level, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nexa %s\n", version)
	},
}
