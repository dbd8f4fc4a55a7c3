package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath  string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Job dispatch core: reserves leases, supervises workers, reports outcomes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		}
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agent.yaml", "path to the agent's YAML config file")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print the agent's version and exit")
	rootCmd.AddCommand(runCmd, versionCmd)
}
