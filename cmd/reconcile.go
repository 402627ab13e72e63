package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-ledger/internal/reconciliation"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass",
	Long:  `Compare pending payments with their provider once and print the run result as JSON`,
	RunE:  runReconcile,
}

var (
	reconcileProvider     string
	reconcileMaxAge       time.Duration
	reconcileLimit        int
	reconcileIncludeStale bool
)

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	maxAge := reconcileMaxAge
	if maxAge <= 0 {
		maxAge = deps.Config.Reconciliation.MaxAge
	}
	limit := reconcileLimit
	if limit <= 0 {
		limit = deps.Config.Reconciliation.BatchLimit
	}

	result, err := deps.Scheduler.RunOnce(ctx, reconciliation.Scope{
		Provider:              reconcileProvider,
		IncludeStaleSucceeded: reconcileIncludeStale,
	}, maxAge, limit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileProvider, "provider", "", "Only reconcile payments of this provider")
	reconcileCmd.Flags().DurationVar(&reconcileMaxAge, "max-age", 0, "Only payments created within this window (defaults to config)")
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 0, "Maximum payments examined (defaults to config)")
	reconcileCmd.Flags().BoolVar(&reconcileIncludeStale, "include-stale-succeeded", false, "Also re-check SUCCEEDED payments without recent webhooks")

	rootCmd.AddCommand(reconcileCmd)
}
