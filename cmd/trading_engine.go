/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/halal-trading-service/internal/bootstrap"
	"github.com/spf13/cobra"
)

// tradingEngineCmd represents the trading-engine command
var tradingEngineCmd = &cobra.Command{
	Use:   "trading-engine",
	Short: "Start the trading engine",
	Long: `The trading engine subscribes to trading signals, gates them through the
compliance screener and the risk sizer, submits orders to the configured broker
and tracks them until fill, cancel or rejection. It periodically reconciles the
local position book against the broker and serves the dashboard API.`,
	Run: bootstrap.StartTradingEngine,
}

func init() {
	rootCmd.AddCommand(tradingEngineCmd)
}
