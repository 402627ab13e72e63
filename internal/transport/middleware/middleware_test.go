package middleware_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/transport/middleware"
)

var _ = Describe("Middleware", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	Describe("CorrelationID", func() {
		var seen string

		handler := middleware.CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = internal.CorrelationIDFromContext(r.Context())
		}))

		It("keeps the caller's correlation id", func() {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(middleware.HeaderCorrelationID, "corr-42")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(seen).To(Equal("corr-42"))
			Expect(rec.Header().Get(middleware.HeaderCorrelationID)).To(Equal("corr-42"))
		})

		It("accepts a trace id header", func() {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(middleware.HeaderTraceID, "trace-7")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			Expect(seen).To(Equal("trace-7"))
		})

		It("generates one when absent", func() {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(seen).NotTo(BeEmpty())
			Expect(rec.Header().Get(middleware.HeaderCorrelationID)).To(Equal(seen))
		})
	})

	Describe("RecoveryMiddleware", func() {
		It("answers 500 without leaking the panic value", func() {
			handler := middleware.RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic("card number 4242")
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).To(ContainSubstring("INTERNAL_ERROR"))
			Expect(rec.Body.String()).NotTo(ContainSubstring("4242"))
		})
	})

	Describe("LoggingMiddleware", func() {
		It("passes the body through to the handler", func() {
			var body string
			handler := middleware.LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				body = string(b)
				w.WriteHeader(http.StatusAccepted)
			}))
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(body).To(Equal(`{"id":"evt_1"}`))
			Expect(rec.Code).To(Equal(http.StatusAccepted))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests from allowed origins", func() {
			handler := middleware.CORS("https://shop.example")(http.NotFoundHandler())
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/payments", nil)
			req.Header.Set("Origin", "https://shop.example")
			req.Header.Set("Access-Control-Request-Method", "POST")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("https://shop.example"))
		})

		It("does not allow other origins", func() {
			handler := middleware.CORS("https://shop.example")(http.NotFoundHandler())
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Origin", "https://evil.example")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(BeEmpty())
		})
	})
})
