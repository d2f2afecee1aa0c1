// Package main is the entry point for the nexa CLI.
package main

import (
	"os"

	"github.com/KafClaw/nexa/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
