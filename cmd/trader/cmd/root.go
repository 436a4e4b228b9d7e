package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Broker-connected trading engine with an auto-trade loop",
	Long: `Trader connects to a trading venue, keeps the session alive, streams
prices, tracks positions and pending orders with live P&L, and can run an
automatic signal-driven trading loop.

It provides tools for:
  - Running the engine against the paper venue or a REST venue
  - Generating and validating configuration files
  - Reviewing the trade journal`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
