package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/payment-ledger/api"
	"github.com/frahmantamala/payment-ledger/internal/payment"
	"github.com/frahmantamala/payment-ledger/internal/reconciliation"
	"github.com/frahmantamala/payment-ledger/internal/transport/middleware"
	"github.com/frahmantamala/payment-ledger/internal/transport/swagger"
)

type RouterConfig struct {
	AllowedOrigins string
	// Validator, when set, checks requests against the OpenAPI document.
	Validator *middleware.OpenAPIValidator
	Health    map[string]CheckFunc
}

func RegisterAllRoutes(router *chi.Mux, cfg RouterConfig, paymentHandler *payment.Handler, webhookHandler *payment.WebhookHandler, reconciliationHandler *reconciliation.Handler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(cfg.Health)

	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.CorrelationID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(api.OpenAPISpec)
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		r.Group(func(vr chi.Router) {
			if cfg.Validator != nil {
				vr.Use(cfg.Validator.Middleware)
			}

			if webhookHandler != nil {
				vr.Post("/webhooks/{provider}", webhookHandler.HandleWebhook)
			}

			if paymentHandler != nil {
				vr.Route("/payments", func(pr chi.Router) {
					pr.Post("/", paymentHandler.CreatePayment)
					pr.Get("/{id}", paymentHandler.GetPayment)
					pr.Post("/{id}/cancel", paymentHandler.CancelPayment)
					pr.Get("/{id}/refunds", paymentHandler.ListRefunds)
					pr.Post("/{id}/refunds", paymentHandler.CreateRefund)
				})
			}

			if reconciliationHandler != nil {
				vr.Route("/reconciliation", func(rr chi.Router) {
					rr.Post("/run", reconciliationHandler.Run)
					rr.Get("/discrepancies", reconciliationHandler.ListDiscrepancies)
					rr.Get("/discrepancies/summary", reconciliationHandler.Summary)
				})
			}
		})
	})
}
