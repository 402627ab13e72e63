package payment

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/transport"
)

const maxWebhookBodyBytes = 1 << 20

// signatureHeaders are tried in order; providers name the header differently.
var signatureHeaders = []string{"X-Signature", "Stripe-Signature", "X-Webhook-Signature"}

type WebhookHandler struct {
	*transport.BaseHandler
	ingestor IngestorAPI
	logger   *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, ingestor IngestorAPI, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		ingestor:    ingestor,
		logger:      logger,
	}
}

type WebhookResponse struct {
	Status string        `json:"status"`
	Result *IngestResult `json:"result,omitempty"`
}

// HandleWebhook handles POST /api/v1/webhooks/{provider}. Processed,
// unresolved and rejected events answer 200 so the provider stops
// redelivering; only storage failures answer 5xx.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "provider", provider, "error", err)
		h.HandleError(w, internal.ErrMalformedPayload.WithCause(err))
		return
	}

	signature := ""
	for _, header := range signatureHeaders {
		if v := r.Header.Get(header); v != "" {
			signature = v
			break
		}
	}

	result, err := h.ingestor.Ingest(r.Context(), provider, payload, signature)
	if result != nil && result.Rejected {
		h.logger.Info("webhook acknowledged after rejection",
			"provider", provider,
			"webhook_event_id", result.EventID,
			"correlation_id", internal.CorrelationIDFromContext(r.Context()),
			"error", err)
		h.WriteJSON(w, http.StatusOK, WebhookResponse{Status: "rejected", Result: result})
		return
	}
	if err != nil {
		h.logger.Warn("webhook not accepted",
			"provider", provider,
			"correlation_id", internal.CorrelationIDFromContext(r.Context()),
			"error", err)
		h.HandleServiceError(w, err)
		return
	}

	status := "processed"
	if !result.Processed {
		status = "pending"
	}
	h.WriteJSON(w, http.StatusOK, WebhookResponse{Status: status, Result: result})
}
