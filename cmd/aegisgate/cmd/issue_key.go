package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegisgate/aegisgate/internal/adapter/outbound/cel"
	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/domain/apikey"
	"github.com/aegisgate/aegisgate/internal/domain/catalog"
	"github.com/aegisgate/aegisgate/internal/domain/identity"
	kvsqlite "github.com/aegisgate/aegisgate/internal/kv/sqlite"
)

var (
	issueOwner   string
	issueAgent   string
	issueScopes  []string
	issueTTLDays int
	issueProfile string
)

var issueKeyCmd = &cobra.Command{
	Use:   "issue-key",
	Short: "Issue a new scoped API key",
	Long: `Issue a new API key against the configured sqlite store and print the
plaintext secret. The secret is shown exactly once and never stored.

Example:
  aegisgate issue-key --owner user-1 --agent writer --ttl-days 90`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Backend != "sqlite" {
			return fmt.Errorf("issue-key requires the sqlite store backend (got %q)", cfg.Store.Backend)
		}

		store, err := kvsqlite.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("store setup: %w", err)
		}
		defer func() { _ = store.Close() }()

		cat := catalog.Default()
		if cfg.Catalog.Path != "" {
			if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
				return fmt.Errorf("catalog load: %w", err)
			}
		}
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		keys := apikey.NewService(store, cat, identity.NewDirectory(store), evaluator, logger)

		secret, meta, err := keys.Issue(context.Background(), apikey.IssueParams{
			OwnerID:          issueOwner,
			AgentType:        issueAgent,
			CustomScopes:     issueScopes,
			TTLDays:          issueTTLDays,
			RateLimitProfile: issueProfile,
		})
		if err != nil {
			return err
		}

		fmt.Printf("key_id: %s\n", meta.KeyID)
		fmt.Printf("scopes: %v\n", meta.Scopes)
		fmt.Printf("secret: %s\n", secret)
		fmt.Println("Store the secret now; it cannot be retrieved again.")
		return nil
	},
}

func init() {
	issueKeyCmd.Flags().StringVar(&issueOwner, "owner", "", "owner identity ID (required)")
	issueKeyCmd.Flags().StringVar(&issueAgent, "agent", "", "agent type (required)")
	issueKeyCmd.Flags().StringSliceVar(&issueScopes, "scope", nil, "additional scopes beyond the agent type defaults")
	issueKeyCmd.Flags().IntVar(&issueTTLDays, "ttl-days", 0, "key lifetime in days (0 = no expiry)")
	issueKeyCmd.Flags().StringVar(&issueProfile, "profile", "", "rate limit profile override")
	_ = issueKeyCmd.MarkFlagRequired("owner")
	_ = issueKeyCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(issueKeyCmd)
}
