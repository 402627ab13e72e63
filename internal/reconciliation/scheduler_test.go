package reconciliation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-ledger/internal/transport"
)

var _ = Describe("MutexLock", func() {
	It("grants the lease to one holder until it is released", func() {
		lock := NewMutexLock()
		ctx := context.Background()

		ok, err := lock.Acquire(ctx, RunLockKey, "a", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		ok, _ = lock.Acquire(ctx, RunLockKey, "b", time.Minute)
		Expect(ok).To(BeFalse())

		Expect(lock.Release(ctx, RunLockKey, "b")).To(Succeed())
		ok, _ = lock.Acquire(ctx, RunLockKey, "b", time.Minute)
		Expect(ok).To(BeFalse())

		Expect(lock.Release(ctx, RunLockKey, "a")).To(Succeed())
		ok, _ = lock.Acquire(ctx, RunLockKey, "b", time.Minute)
		Expect(ok).To(BeTrue())
	})

	It("lets an expired lease be taken over", func() {
		lock := NewMutexLock()
		ctx := context.Background()

		ok, _ := lock.Acquire(ctx, RunLockKey, "a", time.Millisecond)
		Expect(ok).To(BeTrue())
		time.Sleep(5 * time.Millisecond)

		ok, _ = lock.Acquire(ctx, RunLockKey, "b", time.Minute)
		Expect(ok).To(BeTrue())
	})
})

var _ = Describe("Scheduler", func() {
	var (
		env       *testEnv
		lock      *MutexLock
		scheduler *Scheduler
		ctx       context.Context
	)

	BeforeEach(func() {
		env = newTestEnv()
		lock = NewMutexLock()
		ctx = context.Background()
		scheduler = NewScheduler(env.engine, lock, SchedulerConfig{
			Interval:   time.Hour,
			MaxAge:     time.Hour,
			BatchLimit: 10,
		}, env.logger)
	})

	It("runs with the configured defaults and releases the lock", func() {
		p := env.createPayment("20.00")
		Expect(env.gateway.SetPaymentStatus(p.ProviderPaymentID, payment.StatusSucceeded)).To(Succeed())

		result, err := scheduler.RunOnce(ctx, Scope{}, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Updated).To(Equal(1))

		ok, err := lock.Acquire(ctx, RunLockKey, "next", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("refuses to overlap a run that holds the lock", func() {
		ok, err := lock.Acquire(ctx, RunLockKey, "other-node", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		_, err = scheduler.RunOnce(ctx, Scope{}, 0, 0)
		Expect(err).To(MatchError(internal.ErrReconciliationRunning))
	})

	It("runs immediately on start and stops with its context", func() {
		p := env.createPayment("20.00")
		Expect(env.gateway.SetPaymentStatus(p.ProviderPaymentID, payment.StatusSucceeded)).To(Succeed())

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			scheduler.Start(runCtx)
		}()

		Eventually(func() payment.Status {
			return env.reload(p.ID).Status
		}).Should(Equal(payment.StatusSucceeded))

		cancel()
		Eventually(done).Should(BeClosed())
	})
})

var _ = Describe("Handler", func() {
	var (
		env     *testEnv
		handler *Handler
		lock    *MutexLock
	)

	BeforeEach(func() {
		env = newTestEnv()
		lock = NewMutexLock()
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		scheduler := NewScheduler(env.engine, lock, SchedulerConfig{MaxAge: time.Hour, BatchLimit: 10}, logger)
		handler = NewHandler(transport.NewBaseHandler(logger), scheduler, env.store.Audit(), nil, logger)
	})

	It("runs a reconciliation and lists what it found", func() {
		p := env.createPayment("20.00")
		Expect(env.gateway.SetPaymentStatus(p.ProviderPaymentID, payment.StatusSucceeded)).To(Succeed())

		rec := httptest.NewRecorder()
		handler.Run(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/run", strings.NewReader(`{"max_age":"1h","limit":5}`)))
		Expect(rec.Code).To(Equal(http.StatusOK))

		var result Result
		Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(Succeed())
		Expect(result.Updated).To(Equal(1))

		rec = httptest.NewRecorder()
		handler.ListDiscrepancies(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation/discrepancies?run_id="+result.RunID, nil))
		Expect(rec.Code).To(Equal(http.StatusOK))

		var listed struct {
			Data []payment.Discrepancy `json:"data"`
		}
		Expect(json.Unmarshal(rec.Body.Bytes(), &listed)).To(Succeed())
		Expect(listed.Data).To(HaveLen(1))
		Expect(listed.Data[0].PaymentID).To(Equal(p.ID))
	})

	It("accepts an empty body", func() {
		rec := httptest.NewRecorder()
		handler.Run(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/run", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("answers 409 while another run holds the lock", func() {
		_, _ = lock.Acquire(context.Background(), RunLockKey, "other", time.Minute)

		rec := httptest.NewRecorder()
		handler.Run(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/run", strings.NewReader(`{}`)))
		Expect(rec.Code).To(Equal(http.StatusConflict))
	})

	It("rejects a malformed max age", func() {
		rec := httptest.NewRecorder()
		handler.Run(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/run", strings.NewReader(`{"max_age":"soon"}`)))
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("reports the summary as unavailable without a report backend", func() {
		rec := httptest.NewRecorder()
		handler.Summary(rec, httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation/discrepancies/summary", nil))
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})
