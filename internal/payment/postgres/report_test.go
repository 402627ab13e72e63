package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
)

var _ = ginkgo.Describe("ReportRepository", func() {
	ginkgo.It("should group discrepancies by provider and status pair", func() {
		// Given
		db := openTestDB()
		audit := NewAuditRepository(db)
		ctx := context.Background()
		now := time.Now().UTC()

		findings := []*payment.Discrepancy{
			{PaymentID: 1, ProviderName: "memory", Kind: payment.DiscrepancyStatusMismatch, LocalStatus: payment.StatusPending, ProviderStatus: payment.StatusSucceeded, Amount: decimal.RequireFromString("100"), AutoCorrected: true, CreatedAt: now.Add(-time.Minute)},
			{PaymentID: 2, ProviderName: "memory", Kind: payment.DiscrepancyStatusMismatch, LocalStatus: payment.StatusPending, ProviderStatus: payment.StatusSucceeded, Amount: decimal.RequireFromString("50"), AutoCorrected: true, CreatedAt: now.Add(-time.Minute)},
			{PaymentID: 3, ProviderName: "memory", Kind: payment.DiscrepancyStatusMismatch, LocalStatus: payment.StatusSucceeded, ProviderStatus: payment.StatusPending, Amount: decimal.RequireFromString("25"), CreatedAt: now.Add(-time.Minute)},
			{PaymentID: 4, ProviderName: "memory", Kind: payment.DiscrepancyStatusMismatch, LocalStatus: payment.StatusPending, ProviderStatus: payment.StatusFailed, Amount: decimal.RequireFromString("10"), CreatedAt: now.Add(-48 * time.Hour)},
		}
		for _, d := range findings {
			gomega.Expect(audit.CreateDiscrepancy(ctx, d)).To(gomega.Succeed())
		}

		sqlDB, err := db.DB()
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		reports := NewReportRepository(sqlx.NewDb(sqlDB, "sqlite3"))

		// When
		rows, err := reports.DiscrepancySummary(ctx, now.Add(-time.Hour), now.Add(time.Hour))

		// Then
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(rows).To(gomega.HaveLen(2))
		gomega.Expect(rows[0].LocalStatus).To(gomega.Equal("PENDING"))
		gomega.Expect(rows[0].Total).To(gomega.Equal(int64(2)))
		gomega.Expect(rows[0].AutoCorrected).To(gomega.Equal(int64(2)))
		gomega.Expect(rows[0].Amount.Equal(decimal.RequireFromString("150"))).To(gomega.BeTrue())
		gomega.Expect(rows[1].LocalStatus).To(gomega.Equal("SUCCEEDED"))
		gomega.Expect(rows[1].AutoCorrected).To(gomega.Equal(int64(0)))
	})
})
