/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/halal-trading-service/internal/bootstrap"
	"github.com/spf13/cobra"
)

// screenCmd represents the screen command
var screenCmd = &cobra.Command{
	Use:   "screen SYMBOL [SYMBOL...]",
	Short: "Print the compliance verdict for one or more assets",
	Long: `Evaluate each symbol against the configured shariah screening rules
and print the verdicts as JSON. Cached verdicts are bypassed when --fresh is set.`,
	Args: cobra.MinimumNArgs(1),
	Run:  bootstrap.StartScreen,
}

func init() {
	rootCmd.AddCommand(screenCmd)
	screenCmd.Flags().Bool("fresh", false, "invalidate cached verdicts before screening")
}
