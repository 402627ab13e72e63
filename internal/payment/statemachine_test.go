package payment_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
)

var _ = Describe("State machine", func() {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	DescribeTable("CanTransition",
		func(from, to payment.Status, legal bool) {
			Expect(paymentpkg.CanTransition(from, to)).To(Equal(legal))
		},
		Entry("pending to processing", payment.StatusPending, payment.StatusProcessing, true),
		Entry("pending to succeeded", payment.StatusPending, payment.StatusSucceeded, true),
		Entry("pending to failed", payment.StatusPending, payment.StatusFailed, true),
		Entry("pending to canceled", payment.StatusPending, payment.StatusCanceled, true),
		Entry("processing to succeeded", payment.StatusProcessing, payment.StatusSucceeded, true),
		Entry("processing to pending", payment.StatusProcessing, payment.StatusPending, false),
		Entry("succeeded to refunded", payment.StatusSucceeded, payment.StatusRefunded, true),
		Entry("succeeded to partially refunded", payment.StatusSucceeded, payment.StatusPartiallyRefunded, true),
		Entry("succeeded to pending", payment.StatusSucceeded, payment.StatusPending, false),
		Entry("succeeded to failed", payment.StatusSucceeded, payment.StatusFailed, false),
		Entry("partially refunded to refunded", payment.StatusPartiallyRefunded, payment.StatusRefunded, true),
		Entry("failed to succeeded", payment.StatusFailed, payment.StatusSucceeded, false),
		Entry("canceled to pending", payment.StatusCanceled, payment.StatusPending, false),
		Entry("refunded to succeeded", payment.StatusRefunded, payment.StatusSucceeded, false),
		Entry("refunded to partially refunded", payment.StatusRefunded, payment.StatusPartiallyRefunded, false),
	)

	Describe("every status pair", func() {
		type pair struct{ from, to payment.Status }

		legalPayment := map[pair]bool{
			{payment.StatusPending, payment.StatusProcessing}:                  true,
			{payment.StatusPending, payment.StatusSucceeded}:                   true,
			{payment.StatusPending, payment.StatusFailed}:                      true,
			{payment.StatusPending, payment.StatusCanceled}:                    true,
			{payment.StatusProcessing, payment.StatusSucceeded}:                true,
			{payment.StatusProcessing, payment.StatusFailed}:                   true,
			{payment.StatusProcessing, payment.StatusCanceled}:                 true,
			{payment.StatusSucceeded, payment.StatusRefunded}:                  true,
			{payment.StatusSucceeded, payment.StatusPartiallyRefunded}:         true,
			{payment.StatusPartiallyRefunded, payment.StatusPartiallyRefunded}: true,
			{payment.StatusPartiallyRefunded, payment.StatusRefunded}:          true,
		}
		legalRefund := map[pair]bool{
			{payment.StatusPending, payment.StatusProcessing}:   true,
			{payment.StatusPending, payment.StatusSucceeded}:    true,
			{payment.StatusPending, payment.StatusFailed}:       true,
			{payment.StatusPending, payment.StatusCanceled}:     true,
			{payment.StatusProcessing, payment.StatusSucceeded}: true,
			{payment.StatusProcessing, payment.StatusFailed}:    true,
			{payment.StatusProcessing, payment.StatusCanceled}:  true,
		}

		It("matches the payment transition table", func() {
			for _, from := range payment.AllStatuses() {
				for _, to := range payment.AllStatuses() {
					Expect(paymentpkg.CanTransition(from, to)).To(Equal(legalPayment[pair{from, to}]), "%s -> %s", from, to)
				}
			}
		})

		It("leaves a payment untouched for every pair outside the table", func() {
			for _, from := range payment.AllStatuses() {
				for _, to := range payment.AllStatuses() {
					if from == to || legalPayment[pair{from, to}] {
						continue
					}
					p := &payment.Payment{
						Status:               from,
						Amount:               decimal.NewFromInt(100),
						LastTransitionSource: payment.SourceDirect,
					}
					before := *p

					changed, err := paymentpkg.ApplyTransition(p, to, payment.SourceWebhook, now)
					Expect(err).To(MatchError(internal.ErrInvalidTransition), "%s -> %s", from, to)
					Expect(changed).To(BeFalse())
					Expect(*p).To(Equal(before), "%s -> %s", from, to)
				}
			}
		})

		It("leaves a refund untouched for every pair outside the table", func() {
			for _, from := range payment.AllStatuses() {
				for _, to := range payment.AllStatuses() {
					if from == to || legalRefund[pair{from, to}] {
						continue
					}
					r := &payment.Refund{Status: from, Amount: decimal.NewFromInt(10)}
					before := *r

					changed, err := paymentpkg.ApplyRefundTransition(r, to, now)
					Expect(err).To(MatchError(internal.ErrInvalidTransition), "%s -> %s", from, to)
					Expect(changed).To(BeFalse())
					Expect(*r).To(Equal(before), "%s -> %s", from, to)
				}
			}
		})
	})

	Describe("ApplyTransition", func() {
		var p *payment.Payment

		BeforeEach(func() {
			p = &payment.Payment{Status: payment.StatusPending, Amount: decimal.NewFromInt(100)}
		})

		It("moves the payment and stamps the outcome time", func() {
			changed, err := paymentpkg.ApplyTransition(p, payment.StatusSucceeded, payment.SourceWebhook, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(p.Status).To(Equal(payment.StatusSucceeded))
			Expect(p.LastTransitionSource).To(Equal(payment.SourceWebhook))
			Expect(p.PaidAt).NotTo(BeNil())
			Expect(*p.PaidAt).To(Equal(now))
		})

		It("treats the current status as a no-op", func() {
			changed, err := paymentpkg.ApplyTransition(p, payment.StatusPending, payment.SourceDirect, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeFalse())
		})

		It("rejects illegal moves and leaves the payment untouched", func() {
			p.Status = payment.StatusSucceeded
			_, err := paymentpkg.ApplyTransition(p, payment.StatusPending, payment.SourceWebhook, now)
			Expect(err).To(MatchError(internal.ErrInvalidTransition))
			Expect(p.Status).To(Equal(payment.StatusSucceeded))
		})

		It("rejects refund-derived statuses", func() {
			p.Status = payment.StatusSucceeded
			_, err := paymentpkg.ApplyTransition(p, payment.StatusRefunded, payment.SourceReconciliation, now)
			Expect(err).To(MatchError(internal.ErrInvalidTransition))
		})

		It("rejects unknown statuses", func() {
			_, err := paymentpkg.ApplyTransition(p, payment.Status("SETTLED"), payment.SourceWebhook, now)
			Expect(err).To(MatchError(internal.ErrInvalidTransition))
		})
	})

	Describe("ApplyRefund", func() {
		var p *payment.Payment

		BeforeEach(func() {
			p = &payment.Payment{
				Status:        payment.StatusSucceeded,
				Amount:        decimal.RequireFromString("100.00"),
				TotalRefunded: decimal.Zero,
			}
		})

		It("derives partially refunded and then refunded from the running total", func() {
			Expect(paymentpkg.ApplyRefund(p, decimal.RequireFromString("40.00"), payment.SourceDirect, now)).To(Succeed())
			Expect(p.Status).To(Equal(payment.StatusPartiallyRefunded))
			Expect(p.TotalRefunded.String()).To(Equal("40"))

			Expect(paymentpkg.ApplyRefund(p, decimal.RequireFromString("60.00"), payment.SourceDirect, now)).To(Succeed())
			Expect(p.Status).To(Equal(payment.StatusRefunded))
			Expect(p.RefundedAt).NotTo(BeNil())
		})

		It("refuses amounts above the remaining balance", func() {
			err := paymentpkg.ApplyRefund(p, decimal.RequireFromString("100.01"), payment.SourceDirect, now)
			Expect(err).To(MatchError(internal.ErrRefundExceedsBalance))
			Expect(p.TotalRefunded.IsZero()).To(BeTrue())
			Expect(p.Status).To(Equal(payment.StatusSucceeded))
		})

		It("refuses payments that never succeeded", func() {
			p.Status = payment.StatusPending
			err := paymentpkg.ApplyRefund(p, decimal.NewFromInt(1), payment.SourceDirect, now)
			Expect(err).To(MatchError(internal.ErrNotRefundable))
		})

		It("refuses fully refunded payments", func() {
			Expect(paymentpkg.ApplyRefund(p, decimal.NewFromInt(100), payment.SourceDirect, now)).To(Succeed())
			err := paymentpkg.ApplyRefund(p, decimal.NewFromInt(1), payment.SourceDirect, now)
			Expect(err).To(MatchError(internal.ErrNotRefundable))
		})

		It("refuses non-positive amounts", func() {
			err := paymentpkg.ApplyRefund(p, decimal.Zero, payment.SourceDirect, now)
			Expect(err).To(HaveOccurred())
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(internal.ErrorTypeValidation))
		})
	})

	Describe("ApplyRefundTransition", func() {
		It("settles a pending refund once", func() {
			r := &payment.Refund{Status: payment.StatusPending}
			changed, err := paymentpkg.ApplyRefundTransition(r, payment.StatusSucceeded, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(r.SucceededAt).NotTo(BeNil())

			_, err = paymentpkg.ApplyRefundTransition(r, payment.StatusFailed, now)
			Expect(err).To(MatchError(internal.ErrInvalidTransition))
		})
	})
})
