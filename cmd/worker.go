package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start the background loops: scheduled reconciliation and replay of unprocessed webhooks.`,
	Run: func(cmd *cobra.Command, args []string) {
		startWorker()
	},
}

var (
	reprocessInterval time.Duration
	reprocessBatch    int
	skipReconcile     bool
)

func startWorker() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	lg := deps.Logger

	var wg sync.WaitGroup

	if deps.Config.Reconciliation.Enabled && !skipReconcile {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deps.Scheduler.Start(ctx)
		}()
	} else {
		lg.Info("scheduled reconciliation disabled")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runWebhookReprocessor(ctx, deps)
	}()

	lg.Info("worker is running. Press Ctrl+C to stop.",
		"reprocess_interval", reprocessInterval.String(),
		"reprocess_batch", reprocessBatch)

	<-ctx.Done()
	lg.Info("received signal, shutting down worker")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		deps.Close()
		close(done)
	}()

	select {
	case <-done:
		lg.Info("worker shutdown complete")
	case <-time.After(30 * time.Second):
		lg.Warn("shutdown timeout reached, forcing exit")
	}
}

// runWebhookReprocessor replays stored webhooks that could not be applied
// when they arrived, such as events that preceded their payment.
func runWebhookReprocessor(ctx context.Context, deps *Dependencies) {
	ticker := time.NewTicker(reprocessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := deps.Ingestor.ReprocessPending(ctx, reprocessBatch)
			if err != nil {
				deps.Logger.Error("webhook reprocess failed", "error", err)
				continue
			}
			if res.Scanned > 0 {
				deps.Logger.Info("webhook reprocess pass",
					"scanned", res.Scanned,
					"processed", res.Processed,
					"failed", res.Failed)
			}
		}
	}
}

func init() {
	workerCmd.Flags().DurationVar(&reprocessInterval, "reprocess-interval", time.Minute, "How often unprocessed webhooks are replayed")
	workerCmd.Flags().IntVar(&reprocessBatch, "reprocess-batch", 100, "Maximum webhooks replayed per pass")
	workerCmd.Flags().BoolVar(&skipReconcile, "no-reconcile", false, "Do not run scheduled reconciliation")

	rootCmd.AddCommand(workerCmd)
}
