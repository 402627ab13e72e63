package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
)

func newPayment(providerPaymentID string, status payment.Status, createdAt time.Time) *payment.Payment {
	return &payment.Payment{
		ProviderName:      "memory",
		ProviderPaymentID: providerPaymentID,
		Amount:            decimal.RequireFromString("100.00"),
		Currency:          "USD",
		Status:            status,
		TotalRefunded:     decimal.Zero,
		CreatedAt:         createdAt,
	}
}

var _ = ginkgo.Describe("PaymentRepository", func() {
	var (
		db    *gorm.DB
		store *Store
		repo  paymentpkg.PaymentRepository
		ctx   context.Context
	)

	ginkgo.BeforeEach(func() {
		db = openTestDB()
		store = NewStore(db)
		repo = store.Payments()
		ctx = context.Background()
	})

	ginkgo.Describe("Create", func() {
		ginkgo.It("should insert payment and set ID", func() {
			// Given
			p := newPayment("pay_1", payment.StatusPending, time.Now().UTC())

			// When
			err := repo.Create(ctx, p)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(p.ID).To(gomega.BeNumerically(">", 0))

			loaded, err := repo.GetByID(ctx, p.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(loaded.Amount.Equal(decimal.RequireFromString("100"))).To(gomega.BeTrue())
			gomega.Expect(loaded.Status).To(gomega.Equal(payment.StatusPending))
		})

		ginkgo.It("should reject a second payment with the same provider id", func() {
			gomega.Expect(repo.Create(ctx, newPayment("pay_1", payment.StatusPending, time.Now().UTC()))).To(gomega.Succeed())

			err := repo.Create(ctx, newPayment("pay_1", payment.StatusPending, time.Now().UTC()))

			gomega.Expect(errors.Is(err, paymentpkg.ErrAlreadyExists)).To(gomega.BeTrue())
		})

		ginkgo.It("should allow the same provider id under a different provider", func() {
			gomega.Expect(repo.Create(ctx, newPayment("pay_1", payment.StatusPending, time.Now().UTC()))).To(gomega.Succeed())
			other := newPayment("pay_1", payment.StatusPending, time.Now().UTC())
			other.ProviderName = "stripe"

			gomega.Expect(repo.Create(ctx, other)).To(gomega.Succeed())
		})

		ginkgo.It("should enforce idempotency key uniqueness", func() {
			key := "idem-1"
			first := newPayment("pay_1", payment.StatusPending, time.Now().UTC())
			first.IdempotencyKey = &key
			second := newPayment("pay_2", payment.StatusPending, time.Now().UTC())
			second.IdempotencyKey = &key

			gomega.Expect(repo.Create(ctx, first)).To(gomega.Succeed())
			err := repo.Create(ctx, second)

			gomega.Expect(errors.Is(err, paymentpkg.ErrAlreadyExists)).To(gomega.BeTrue())
			found, err := repo.GetByIdempotencyKey(ctx, key)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(found.ID).To(gomega.Equal(first.ID))
		})

		ginkgo.It("should allow many payments without an idempotency key", func() {
			gomega.Expect(repo.Create(ctx, newPayment("pay_1", payment.StatusPending, time.Now().UTC()))).To(gomega.Succeed())
			gomega.Expect(repo.Create(ctx, newPayment("pay_2", payment.StatusPending, time.Now().UTC()))).To(gomega.Succeed())
		})
	})

	ginkgo.Describe("lookups", func() {
		ginkgo.It("should return ErrPaymentNotFound for unknown rows", func() {
			_, err := repo.GetByID(ctx, 999)
			gomega.Expect(errors.Is(err, internal.ErrPaymentNotFound)).To(gomega.BeTrue())

			_, err = repo.GetByProviderPaymentID(ctx, "memory", "nope")
			gomega.Expect(errors.Is(err, internal.ErrPaymentNotFound)).To(gomega.BeTrue())
		})

		ginkgo.It("should find a payment by provider namespace and id", func() {
			p := newPayment("pay_1", payment.StatusPending, time.Now().UTC())
			gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())

			found, err := repo.GetByProviderPaymentID(ctx, "memory", "pay_1")

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(found.ID).To(gomega.Equal(p.ID))
		})
	})

	ginkgo.Describe("Save", func() {
		ginkgo.It("should bump the version on every save", func() {
			p := newPayment("pay_1", payment.StatusPending, time.Now().UTC())
			gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())

			p.Status = payment.StatusSucceeded
			gomega.Expect(repo.Save(ctx, p)).To(gomega.Succeed())

			loaded, err := repo.GetByID(ctx, p.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(loaded.Status).To(gomega.Equal(payment.StatusSucceeded))
			gomega.Expect(loaded.Version).To(gomega.Equal(1))
			gomega.Expect(p.Version).To(gomega.Equal(1))
		})

		ginkgo.It("should reject a save from a stale read as transient contention", func() {
			p := newPayment("pay_1", payment.StatusPending, time.Now().UTC())
			gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())

			stale, err := repo.GetByID(ctx, p.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			p.Status = payment.StatusSucceeded
			gomega.Expect(repo.Save(ctx, p)).To(gomega.Succeed())

			stale.Status = payment.StatusFailed
			err = repo.Save(ctx, stale)

			gomega.Expect(errors.Is(err, internal.ErrConcurrentUpdate)).To(gomega.BeTrue())
			gomega.Expect(internal.IsRetryable(err)).To(gomega.BeTrue())

			loaded, _ := repo.GetByID(ctx, p.ID)
			gomega.Expect(loaded.Status).To(gomega.Equal(payment.StatusSucceeded))
		})
	})

	ginkgo.Describe("WithinTransaction", func() {
		ginkgo.It("should roll back every write when the callback fails", func() {
			p := newPayment("pay_1", payment.StatusSucceeded, time.Now().UTC())
			gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())

			err := store.WithinTransaction(ctx, func(tx paymentpkg.Store) error {
				locked, err := tx.Payments().LockByID(ctx, p.ID)
				if err != nil {
					return err
				}
				locked.TotalRefunded = decimal.RequireFromString("40")
				if err := tx.Payments().Save(ctx, locked); err != nil {
					return err
				}
				return internal.ErrRefundExceedsBalance
			})

			gomega.Expect(errors.Is(err, internal.ErrRefundExceedsBalance)).To(gomega.BeTrue())
			loaded, _ := repo.GetByID(ctx, p.ID)
			gomega.Expect(loaded.TotalRefunded.IsZero()).To(gomega.BeTrue())
			gomega.Expect(loaded.Version).To(gomega.Equal(0))
		})

		ginkgo.It("should serialize concurrent read-modify-write cycles", func() {
			p := newPayment("pay_1", payment.StatusSucceeded, time.Now().UTC())
			gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer ginkgo.GinkgoRecover()
					err := store.WithinTransaction(ctx, func(tx paymentpkg.Store) error {
						locked, err := tx.Payments().LockByID(ctx, p.ID)
						if err != nil {
							return err
						}
						locked.WebhookEventsCount++
						return tx.Payments().Save(ctx, locked)
					})
					gomega.Expect(err).ToNot(gomega.HaveOccurred())
				}()
			}
			wg.Wait()

			loaded, _ := repo.GetByID(ctx, p.ID)
			gomega.Expect(loaded.WebhookEventsCount).To(gomega.Equal(10))
			gomega.Expect(loaded.Version).To(gomega.Equal(10))
		})
	})

	ginkgo.Describe("ListForReconciliation", func() {
		var now time.Time

		ginkgo.BeforeEach(func() {
			now = time.Now().UTC()
			old := now.Add(-2 * time.Hour)
			staleWebhook := now.Add(-48 * time.Hour)
			freshWebhook := now.Add(-time.Minute)

			rows := []*payment.Payment{
				newPayment("old_pending", payment.StatusPending, old.Add(-time.Minute)),
				newPayment("old_processing", payment.StatusProcessing, old),
				newPayment("new_pending", payment.StatusPending, now),
				newPayment("old_failed", payment.StatusFailed, old),
				newPayment("old_succeeded_stale", payment.StatusSucceeded, old),
				newPayment("old_succeeded_fresh", payment.StatusSucceeded, old),
				newPayment("old_succeeded_never", payment.StatusSucceeded, old),
			}
			rows[4].LastWebhookAt = &staleWebhook
			rows[5].LastWebhookAt = &freshWebhook
			for _, p := range rows {
				gomega.Expect(repo.Create(ctx, p)).To(gomega.Succeed())
			}
		})

		ginkgo.It("should return old non-terminal payments oldest first", func() {
			result, err := repo.ListForReconciliation(ctx, paymentpkg.ReconciliationQuery{
				Statuses:      []payment.Status{payment.StatusPending, payment.StatusProcessing},
				CreatedBefore: now.Add(-time.Hour),
				Limit:         10,
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.HaveLen(2))
			gomega.Expect(result[0].ProviderPaymentID).To(gomega.Equal("old_pending"))
			gomega.Expect(result[1].ProviderPaymentID).To(gomega.Equal("old_processing"))
		})

		ginkgo.It("should include succeeded payments with stale or missing webhooks when asked", func() {
			result, err := repo.ListForReconciliation(ctx, paymentpkg.ReconciliationQuery{
				Statuses:              []payment.Status{payment.StatusPending, payment.StatusProcessing},
				CreatedBefore:         now.Add(-time.Hour),
				IncludeStaleSucceeded: true,
				StaleWebhookBefore:    now.Add(-24 * time.Hour),
				Limit:                 10,
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			ids := make([]string, 0, len(result))
			for _, p := range result {
				ids = append(ids, p.ProviderPaymentID)
			}
			gomega.Expect(ids).To(gomega.ConsistOf("old_pending", "old_processing", "old_succeeded_stale", "old_succeeded_never"))
		})

		ginkgo.It("should honour the limit", func() {
			result, err := repo.ListForReconciliation(ctx, paymentpkg.ReconciliationQuery{
				Statuses:      []payment.Status{payment.StatusPending, payment.StatusProcessing},
				CreatedBefore: now.Add(-time.Hour),
				Limit:         1,
			})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result).To(gomega.HaveLen(1))
			gomega.Expect(result[0].ProviderPaymentID).To(gomega.Equal("old_pending"))
		})
	})
})
