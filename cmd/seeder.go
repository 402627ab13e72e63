package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
	paymentpg "github.com/frahmantamala/payment-ledger/internal/payment/postgres"
	"github.com/frahmantamala/payment-ledger/pkg/logger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample payments",
	Long:  `Seed the ledger with sample payments in each lifecycle status for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database, logger.LoggerWrapper())
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}

		if clearData {
			for _, table := range []string{"failed_tasks", "discrepancies", "transition_logs", "webhook_events", "refunds", "payments"} {
				if err := db.Exec("DELETE FROM " + table).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared ledger tables")
		}

		store := paymentpg.NewStore(db)
		ctx := internal.ContextWithCorrelationID(context.Background(), "seed")
		now := time.Now().UTC()

		samples := []struct {
			ID     string
			Amount string
			Status payment.Status
			Age    time.Duration
		}{
			{"seed_pay_pending", "25.00", payment.StatusPending, 10 * time.Minute},
			{"seed_pay_processing", "80.50", payment.StatusProcessing, 30 * time.Minute},
			{"seed_pay_succeeded", "120.00", payment.StatusSucceeded, 2 * time.Hour},
			{"seed_pay_failed", "15.00", payment.StatusFailed, 3 * time.Hour},
			{"seed_pay_canceled", "42.00", payment.StatusCanceled, 5 * time.Hour},
		}

		for _, s := range samples {
			key := s.ID
			p := &payment.Payment{
				ProviderName:         cfg.Payment.DefaultProvider,
				ProviderPaymentID:    s.ID,
				IdempotencyKey:       &key,
				Amount:               decimal.RequireFromString(s.Amount),
				TotalRefunded:        decimal.Zero,
				Currency:             "USD",
				Status:               s.Status,
				Description:          "seeded payment",
				LastTransitionSource: payment.SourceDirect,
				CreatedAt:            now.Add(-s.Age),
				UpdatedAt:            now.Add(-s.Age),
			}

			err := store.Payments().Create(ctx, p)
			switch {
			case errors.Is(err, paymentpkg.ErrAlreadyExists):
				fmt.Printf("payment %s already exists\n", s.ID)
				continue
			case err != nil:
				log.Fatalf("failed to seed payment %s: %v", s.ID, err)
			}

			if err := store.Audit().LogTransition(ctx, &payment.TransitionLog{
				EntityType:    payment.EntityPayment,
				EntityID:      p.ID,
				FromStatus:    payment.StatusPending,
				ToStatus:      s.Status,
				Source:        payment.SourceDirect,
				CorrelationID: "seed",
			}); err != nil {
				log.Fatalf("failed to log seed transition for %s: %v", s.ID, err)
			}
			fmt.Printf("Seeded payment %s (%s)\n", s.ID, s.Status)
		}

		fmt.Println("Sample payments seeded successfully")
	},
}
