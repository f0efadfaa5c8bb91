// Package cmd provides the CLI commands for AegisGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegisgate/aegisgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegisgate",
	Short: "AegisGate - Identity & Access Security Engine",
	Long: `AegisGate authenticates users (session tokens) and autonomous agents
(scoped API keys), enforces multi-window rate limits, and scores every
authentication attempt for abuse.

Quick start:
  1. Create a config file: aegisgate.yaml (token.secret is required)
  2. Run: aegisgate serve

Configuration:
  Config is loaded from aegisgate.yaml in the current directory,
  $HOME/.aegisgate/, or /etc/aegisgate/.

  Environment variables can override config values with the AEGISGATE_ prefix.
  Example: AEGISGATE_SERVER_ADDR=:9090

Commands:
  serve       Start the security engine server
  issue-key   Issue a new scoped API key
  hash-key    Print the SHA-256 hash of an API key secret
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aegisgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
