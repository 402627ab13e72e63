package paymentgateway_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/payment-ledger/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/paymentgateway"
)

var _ = Describe("MemoryGateway", func() {
	var (
		gateway *paymentgateway.MemoryGateway
		ctx     context.Context
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		gateway = paymentgateway.NewMemoryGateway("memory", "whsec_test", logger)
		ctx = context.Background()
	})

	Describe("CreatePayment", func() {
		It("creates a pending payment", func() {
			res, err := gateway.CreatePayment(ctx, &gatewaytypes.CreatePaymentRequest{
				Amount:   decimal.RequireFromString("100.00"),
				Currency: "usd",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.ProviderPaymentID).To(HavePrefix("mem_pay_"))
			Expect(res.Status).To(Equal(payment.StatusPending))
			Expect(res.Currency).To(Equal("USD"))
		})

		It("returns the same payment for a repeated idempotency key", func() {
			req := &gatewaytypes.CreatePaymentRequest{
				IdempotencyKey: "idem-1",
				Amount:         decimal.RequireFromString("10.00"),
				Currency:       "USD",
			}

			first, err := gateway.CreatePayment(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			second, err := gateway.CreatePayment(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.ProviderPaymentID).To(Equal(first.ProviderPaymentID))
			Expect(gateway.Calls("create_payment")).To(Equal(2))
		})

		It("rejects a non-positive amount as fatal", func() {
			_, err := gateway.CreatePayment(ctx, &gatewaytypes.CreatePaymentRequest{
				Amount:   decimal.Zero,
				Currency: "USD",
			})

			Expect(errors.Is(err, internal.ErrProviderRejected)).To(BeTrue())
			Expect(internal.IsRetryable(err)).To(BeFalse())
		})
	})

	Describe("failure injection", func() {
		It("returns queued failures in order and then recovers", func() {
			gateway.FailNext(internal.ErrProviderUnavailable, errors.New("connection reset"))

			_, err1 := gateway.GetPaymentStatus(ctx, "missing")
			_, err2 := gateway.GetPaymentStatus(ctx, "missing")
			_, err3 := gateway.GetPaymentStatus(ctx, "missing")

			Expect(internal.IsRetryable(err1)).To(BeTrue())
			Expect(internal.IsRetryable(err2)).To(BeTrue())
			Expect(errors.Is(err3, internal.ErrProviderRejected)).To(BeTrue())
		})

		It("classifies a call that outlives its deadline as a timeout", func() {
			gateway.SetLatency(200 * time.Millisecond)
			short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()

			_, err := gateway.GetPaymentStatus(short, "any")

			Expect(errors.Is(err, internal.ErrProviderTimeout)).To(BeTrue())
			Expect(internal.IsRetryable(err)).To(BeTrue())
		})
	})

	Describe("refunds", func() {
		var providerID string

		BeforeEach(func() {
			providerID = "mem_pay_fixed"
			gateway.AddPayment(providerID, decimal.RequireFromString("100.00"), "USD", payment.StatusSucceeded)
		})

		It("tracks partial and full refunds", func() {
			_, err := gateway.CreateRefund(ctx, &gatewaytypes.RefundRequest{ProviderPaymentID: providerID, Amount: decimal.RequireFromString("40.00")})
			Expect(err).NotTo(HaveOccurred())

			status, err := gateway.GetPaymentStatus(ctx, providerID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Status).To(Equal(payment.StatusPartiallyRefunded))

			refund, err := gateway.CreateRefund(ctx, &gatewaytypes.RefundRequest{ProviderPaymentID: providerID, Amount: decimal.RequireFromString("60.00")})
			Expect(err).NotTo(HaveOccurred())
			Expect(refund.Status).To(Equal(payment.StatusSucceeded))

			status, err = gateway.GetPaymentStatus(ctx, providerID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Status).To(Equal(payment.StatusRefunded))

			fetched, err := gateway.GetRefundStatus(ctx, refund.ProviderRefundID)
			Expect(err).NotTo(HaveOccurred())
			Expect(fetched.ProviderPaymentID).To(Equal(providerID))
		})

		It("rejects refunds above the captured amount", func() {
			_, err := gateway.CreateRefund(ctx, &gatewaytypes.RefundRequest{ProviderPaymentID: providerID, Amount: decimal.RequireFromString("100.01")})
			Expect(errors.Is(err, internal.ErrProviderRejected)).To(BeTrue())
		})
	})

	Describe("CancelPayment", func() {
		It("cancels a pending payment and refuses a succeeded one", func() {
			gateway.AddPayment("p1", decimal.RequireFromString("5.00"), "USD", payment.StatusPending)
			gateway.AddPayment("p2", decimal.RequireFromString("5.00"), "USD", payment.StatusSucceeded)

			res, err := gateway.CancelPayment(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(payment.StatusCanceled))

			_, err = gateway.CancelPayment(ctx, "p2")
			Expect(errors.Is(err, internal.ErrProviderRejected)).To(BeTrue())
		})
	})

	Describe("webhooks", func() {
		It("accepts its own signature and rejects tampering", func() {
			body := paymentgateway.NewMemoryWebhook("evt_1", "payment.succeeded", paymentgateway.MemoryWebhookData{PaymentID: "p1"})
			sig := gateway.Sign(body)

			Expect(gateway.ValidateWebhook(body, sig)).To(BeTrue())
			Expect(gateway.ValidateWebhook(body, "sha256="+sig)).To(BeTrue())
			Expect(gateway.ValidateWebhook(append(body, ' '), sig)).To(BeFalse())
			Expect(gateway.ValidateWebhook(body, "not-hex")).To(BeFalse())
			Expect(gateway.ValidateWebhook(body, "")).To(BeFalse())
		})

		It("normalizes payment events", func() {
			body := paymentgateway.NewMemoryWebhook("evt_1", "payment.succeeded", paymentgateway.MemoryWebhookData{
				PaymentID: "p1",
				Amount:    decimal.RequireFromString("100.00"),
				Currency:  "usd",
			})

			event, err := gateway.ParseWebhook(body)

			Expect(err).NotTo(HaveOccurred())
			Expect(event.ProviderEventID).To(Equal("evt_1"))
			Expect(event.Kind).To(Equal(gatewaytypes.EventKindPayment))
			Expect(event.ProviderPaymentID).To(Equal("p1"))
			Expect(event.ResultingStatus).To(Equal(payment.StatusSucceeded))
			Expect(event.Currency).To(Equal("USD"))
		})

		It("normalizes refund events", func() {
			body := paymentgateway.NewMemoryWebhook("evt_2", "refund.failed", paymentgateway.MemoryWebhookData{PaymentID: "p1", RefundID: "r1"})

			event, err := gateway.ParseWebhook(body)

			Expect(err).NotTo(HaveOccurred())
			Expect(event.Kind).To(Equal(gatewaytypes.EventKindRefund))
			Expect(event.ProviderRefundID).To(Equal("r1"))
			Expect(event.ResultingStatus).To(Equal(payment.StatusFailed))
		})

		It("marks unknown event types as ignored", func() {
			body := paymentgateway.NewMemoryWebhook("evt_3", "customer.updated", paymentgateway.MemoryWebhookData{})

			event, err := gateway.ParseWebhook(body)

			Expect(err).NotTo(HaveOccurred())
			Expect(event.Kind).To(Equal(gatewaytypes.EventKindIgnored))
		})

		It("fails with MalformedPayload on garbage and on missing ids", func() {
			_, err := gateway.ParseWebhook([]byte("{not json"))
			Expect(errors.Is(err, internal.ErrMalformedPayload)).To(BeTrue())

			_, err = gateway.ParseWebhook([]byte(`{"type":"payment.succeeded","data":{"payment_id":"p1"}}`))
			Expect(errors.Is(err, internal.ErrMalformedPayload)).To(BeTrue())
			Expect(internal.IsRetryable(err)).To(BeFalse())
		})
	})
})

var _ = Describe("Registry", func() {
	It("resolves registered gateways by name", func() {
		mem := paymentgateway.NewMemoryGateway("memory", "s", nil)
		registry := paymentgateway.NewRegistry(mem)

		g, err := registry.Get("memory")
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Name()).To(Equal("memory"))

		_, err = registry.Get("paypal")
		Expect(errors.Is(err, internal.ErrUnknownProvider)).To(BeTrue())
	})

	It("refuses duplicate registrations", func() {
		registry := paymentgateway.NewRegistry(paymentgateway.NewMemoryGateway("memory", "s", nil))
		Expect(registry.Register(paymentgateway.NewMemoryGateway("memory", "t", nil))).To(HaveOccurred())
	})

	It("builds gateways from configuration", func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		registry, err := paymentgateway.NewRegistryFromConfig(internal.PaymentConfig{
			DefaultProvider: "stripe",
			Providers: map[string]internal.ProviderConfig{
				"memory": {Enabled: true, WebhookSecret: "a"},
				"stripe": {Enabled: true, APIKey: "sk_test_x", WebhookSecret: "whsec_b"},
				"legacy": {Enabled: false},
			},
		}, logger)

		Expect(err).NotTo(HaveOccurred())
		Expect(registry.Names()).To(Equal([]string{"memory", "stripe"}))
		def, err := registry.Default()
		Expect(err).NotTo(HaveOccurred())
		Expect(def.Name()).To(Equal("stripe"))
	})

	It("rejects providers without an implementation", func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		_, err := paymentgateway.NewRegistryFromConfig(internal.PaymentConfig{
			Providers: map[string]internal.ProviderConfig{"paypal": {Enabled: true}},
		}, logger)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ClassifyError", func() {
	It("passes nil and AppErrors through", func() {
		Expect(paymentgateway.ClassifyError(nil)).To(BeNil())
		Expect(paymentgateway.ClassifyError(internal.ErrProviderRejected)).To(Equal(internal.ErrProviderRejected))
	})

	It("treats deadlines as timeouts and unknown failures as unavailable", func() {
		Expect(errors.Is(paymentgateway.ClassifyError(context.DeadlineExceeded), internal.ErrProviderTimeout)).To(BeTrue())
		Expect(errors.Is(paymentgateway.ClassifyError(errors.New("eof")), internal.ErrProviderUnavailable)).To(BeTrue())
	})

	It("does not retry caller cancellation", func() {
		Expect(internal.IsRetryable(paymentgateway.ClassifyError(context.Canceled))).To(BeFalse())
	})
})
