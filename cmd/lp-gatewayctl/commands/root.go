// Package commands implements the lp-gatewayctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the top-level cobra command for lp-gatewayctl.
//
// There is no running-daemon control surface in this build (no ConnectRPC
// or equivalent service exported by lp-gatewayd), so every subcommand here
// operates on local state only: configuration files and key material.
var rootCmd = &cobra.Command{
	Use:   "lp-gatewayctl",
	Short: "Operator CLI for lp-gatewayd",
	Long:  "lp-gatewayctl validates configuration and manages handshake identity material for lp-gatewayd.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
