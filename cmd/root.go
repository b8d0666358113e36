// Package cmd provides the command-line interface: the long-running
// server and an offline replay mode for investigating event captures.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

// NewRootCmd builds the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "argus",
		Short: "Security event correlation and anomaly detection engine",
		Long: `Argus ingests security events, groups them with sliding-window
correlation rules and flags statistical outliers against learned
per-entity baselines.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default: ./config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReplayCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
