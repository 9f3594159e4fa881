package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modlog-bot",
		Short: "Moderation case log and reconciliation bot",
		Long: `modlog-bot records moderation actions as numbered cases per guild,
lifts temporary bans, locks and roles when they expire, and audits recent
cases for suspicious patterns.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(flagsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
