package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisgate/aegisgate/internal/domain/apikey"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [secret]",
	Short: "Print the SHA-256 hash of an API key secret",
	Long: `Print the SHA-256 hex hash of an API key secret, the value stored
in the apikey_hash index.

Security note: the secret will appear in shell history. Prefer passing it
via an environment variable:
  aegisgate hash-key "$AGENT_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(apikey.HashSecret(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
