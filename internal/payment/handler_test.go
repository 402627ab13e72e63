package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
	"github.com/frahmantamala/payment-ledger/internal/transport"
)

type mockService struct {
	createPayment func(ctx context.Context, in paymentpkg.CreatePaymentInput) (*payment.Payment, bool, error)
	getPayment    func(ctx context.Context, id int64) (*payment.Payment, error)
	createRefund  func(ctx context.Context, paymentID int64, in paymentpkg.CreateRefundInput) (*payment.Refund, bool, error)
	lastInput     paymentpkg.CreatePaymentInput
}

func (m *mockService) CreatePayment(ctx context.Context, in paymentpkg.CreatePaymentInput) (*payment.Payment, bool, error) {
	m.lastInput = in
	return m.createPayment(ctx, in)
}

func (m *mockService) GetPayment(ctx context.Context, id int64) (*payment.Payment, error) {
	return m.getPayment(ctx, id)
}

func (m *mockService) Transition(ctx context.Context, id int64, status payment.Status, source payment.Source) (*payment.Payment, error) {
	return nil, errors.New("not implemented")
}

func (m *mockService) CancelPayment(ctx context.Context, id int64) (*payment.Payment, error) {
	return nil, internal.ErrInvalidTransition
}

func (m *mockService) CreateRefund(ctx context.Context, paymentID int64, in paymentpkg.CreateRefundInput) (*payment.Refund, bool, error) {
	return m.createRefund(ctx, paymentID, in)
}

func (m *mockService) ListRefunds(ctx context.Context, paymentID int64) ([]*payment.Refund, error) {
	return []*payment.Refund{}, nil
}

type mockIngestor struct {
	result    *paymentpkg.IngestResult
	err       error
	signature string
	provider  string
}

func (m *mockIngestor) Ingest(ctx context.Context, providerName string, payload []byte, signature string) (*paymentpkg.IngestResult, error) {
	m.provider = providerName
	m.signature = signature
	return m.result, m.err
}

func decodeError(rec *httptest.ResponseRecorder) map[string]interface{} {
	var body struct {
		Error map[string]interface{} `json:"error"`
	}
	Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
	return body.Error
}

var _ = Describe("Handler", func() {
	var (
		svc    *mockService
		router chi.Router
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		svc = &mockService{}
		h := paymentpkg.NewHandler(transport.NewBaseHandler(logger), svc, logger)

		router = chi.NewRouter()
		router.Post("/payments", h.CreatePayment)
		router.Get("/payments/{id}", h.GetPayment)
		router.Post("/payments/{id}/cancel", h.CancelPayment)
		router.Post("/payments/{id}/refunds", h.CreateRefund)
	})

	serve := func(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	Describe("CreatePayment", func() {
		BeforeEach(func() {
			svc.createPayment = func(ctx context.Context, in paymentpkg.CreatePaymentInput) (*payment.Payment, bool, error) {
				return &payment.Payment{
					ID:           7,
					ProviderName: "memory",
					Amount:       in.Amount,
					Currency:     in.Currency,
					Status:       payment.StatusPending,
				}, in.IdempotencyKey != "replayed", nil
			}
		})

		It("answers 201 for a new payment", func() {
			rec := serve(http.MethodPost, "/payments", `{"amount":"100.00","currency":"usd"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))

			var resp paymentpkg.PaymentResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.ID).To(Equal(int64(7)))
			Expect(resp.Currency).To(Equal("USD"))
			Expect(resp.Status).To(Equal(payment.StatusPending))
		})

		It("answers 200 for a replayed idempotency key taken from the header", func() {
			rec := serve(http.MethodPost, "/payments", `{"amount":"100.00","currency":"USD"}`,
				map[string]string{"Idempotency-Key": "replayed"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(svc.lastInput.IdempotencyKey).To(Equal("replayed"))
		})

		It("answers 400 on validation errors", func() {
			rec := serve(http.MethodPost, "/payments", `{"amount":"-1","currency":"US"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeError(rec)["code"]).To(Equal(string(internal.ErrCodeValidationFailed)))
		})

		It("answers 400 on an unreadable body", func() {
			rec := serve(http.MethodPost, "/payments", `{`, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("answers 503 when the provider stays unavailable", func() {
			svc.createPayment = func(ctx context.Context, in paymentpkg.CreatePaymentInput) (*payment.Payment, bool, error) {
				return nil, false, internal.ErrProviderUnavailable
			}
			rec := serve(http.MethodPost, "/payments", `{"amount":"5","currency":"USD"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("hides unclassified errors behind a 500", func() {
			svc.createPayment = func(ctx context.Context, in paymentpkg.CreatePaymentInput) (*payment.Payment, bool, error) {
				return nil, false, errors.New("connection reset by peer")
			}
			rec := serve(http.MethodPost, "/payments", `{"amount":"5","currency":"USD"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).NotTo(ContainSubstring("connection reset"))
		})
	})

	Describe("GetPayment", func() {
		It("answers 404 for unknown payments", func() {
			svc.getPayment = func(ctx context.Context, id int64) (*payment.Payment, error) {
				return nil, internal.ErrPaymentNotFound
			}
			rec := serve(http.MethodGet, "/payments/42", "", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(decodeError(rec)["code"]).To(Equal(string(internal.ErrCodePaymentNotFound)))
		})

		It("answers 400 for a non-numeric id", func() {
			rec := serve(http.MethodGet, "/payments/abc", "", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	It("answers 409 when a payment cannot be canceled", func() {
		rec := serve(http.MethodPost, "/payments/3/cancel", "", nil)
		Expect(rec.Code).To(Equal(http.StatusConflict))
	})

	Describe("CreateRefund", func() {
		It("passes the amount through and answers 201", func() {
			var gotAmount decimal.Decimal
			svc.createRefund = func(ctx context.Context, paymentID int64, in paymentpkg.CreateRefundInput) (*payment.Refund, bool, error) {
				gotAmount = in.Amount
				return &payment.Refund{ID: 1, PaymentID: paymentID, Amount: in.Amount, Status: payment.StatusSucceeded}, true, nil
			}
			rec := serve(http.MethodPost, "/payments/3/refunds", `{"amount":"40.00","reason":"requested_by_customer"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(gotAmount.Equal(decimal.NewFromInt(40))).To(BeTrue())
		})

		It("answers 400 when the refund exceeds the balance", func() {
			svc.createRefund = func(ctx context.Context, paymentID int64, in paymentpkg.CreateRefundInput) (*payment.Refund, bool, error) {
				return nil, false, internal.ErrRefundExceedsBalance
			}
			rec := serve(http.MethodPost, "/payments/3/refunds", `{"amount":"400.00"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeError(rec)["code"]).To(Equal(string(internal.ErrCodeRefundExceedsBalance)))
		})

		It("rejects an unknown reason", func() {
			rec := serve(http.MethodPost, "/payments/3/refunds", `{"amount":"1.00","reason":"bored"}`, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})
})

var _ = Describe("WebhookHandler", func() {
	var (
		ingestor *mockIngestor
		router   chi.Router
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		ingestor = &mockIngestor{}
		h := paymentpkg.NewWebhookHandler(transport.NewBaseHandler(logger), ingestor, logger)
		router = chi.NewRouter()
		router.Post("/webhooks/{provider}", h.HandleWebhook)
	})

	deliver := func(header, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/memory", strings.NewReader(`{"id":"evt_1"}`))
		req.Header.Set(header, signature)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("answers 200 processed and forwards provider and signature", func() {
		ingestor.result = &paymentpkg.IngestResult{EventID: 1, Processed: true}
		rec := deliver("X-Signature", "abc")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(ingestor.provider).To(Equal("memory"))
		Expect(ingestor.signature).To(Equal("abc"))

		var resp paymentpkg.WebhookResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("processed"))
	})

	It("answers 200 pending for events it cannot resolve yet", func() {
		ingestor.result = &paymentpkg.IngestResult{EventID: 2}
		rec := deliver("Stripe-Signature", "t=1,v1=abc")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(ingestor.signature).To(Equal("t=1,v1=abc"))

		var resp paymentpkg.WebhookResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("pending"))
	})

	It("acknowledges an event the state machine rejected", func() {
		ingestor.result = &paymentpkg.IngestResult{EventID: 3, Rejected: true}
		ingestor.err = internal.ErrInvalidTransition
		rec := deliver("X-Signature", "abc")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp paymentpkg.WebhookResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("rejected"))
		Expect(resp.Result.Rejected).To(BeTrue())
	})

	It("answers 4xx for a bad signature", func() {
		ingestor.err = internal.ErrInvalidSignature
		rec := deliver("X-Signature", "forged")
		Expect(rec.Code).To(BeNumerically(">=", 400))
		Expect(rec.Code).To(BeNumerically("<", 500))
	})

	It("answers 5xx on transient storage failures so the provider redelivers", func() {
		ingestor.err = internal.ErrConcurrentUpdate
		rec := deliver("X-Signature", "abc")
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})
})
