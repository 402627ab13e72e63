package events_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-ledger/internal/core/events"
)

var _ = Describe("EventBus", func() {
	var (
		bus *events.EventBus
		evt *events.PaymentStatusChangedEvent
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		bus = events.NewEventBus(logger)
		evt = events.NewPaymentStatusChangedEvent(&payment.Payment{
			ID:            7,
			ProviderName:  "memory",
			Status:        payment.StatusSucceeded,
			Amount:        decimal.RequireFromString("100.00"),
			TotalRefunded: decimal.Zero,
			Currency:      "USD",
		}, payment.StatusPending, payment.SourceWebhook, "corr-1")
	})

	It("names the event after the status entered", func() {
		Expect(evt.EventType()).To(Equal(events.EventTypePaymentSucceeded))
		Expect(evt.FromStatus).To(Equal("PENDING"))
		Expect(evt.Amount).To(Equal("100"))
	})

	It("delivers asynchronously with a context that survives cancellation", func() {
		var seen atomic.Value
		bus.Subscribe(events.EventTypePaymentSucceeded, func(ctx context.Context, e events.Event) error {
			seen.Store(internal.CorrelationIDFromContext(ctx) + "|" + errString(ctx.Err()))
			return nil
		})

		ctx, cancel := context.WithCancel(internal.ContextWithCorrelationID(context.Background(), "corr-1"))
		Expect(bus.Publish(ctx, evt)).To(Succeed())
		cancel()
		bus.Wait()

		Expect(seen.Load()).To(Equal("corr-1|"))
	})

	It("stops at the first failing handler when publishing synchronously", func() {
		var calls int32
		bus.Subscribe(events.EventTypePaymentSucceeded, func(ctx context.Context, e events.Event) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		})
		bus.Subscribe(events.EventTypePaymentSucceeded, func(ctx context.Context, e events.Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		err := bus.PublishSync(context.Background(), evt)

		Expect(err).To(MatchError(ContainSubstring("boom")))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
	})

	It("ignores events nobody listens to", func() {
		Expect(bus.Publish(context.Background(), evt)).To(Succeed())
		Expect(bus.PublishSync(context.Background(), evt)).To(Succeed())
	})
})

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
