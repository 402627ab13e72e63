package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/payment-ledger/internal/core/events"
)

type EventHandler struct {
	ingestor *Ingestor
	logger   *slog.Logger
}

func NewEventHandler(ingestor *Ingestor, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		ingestor: ingestor,
		logger:   logger,
	}
}

// HandlePaymentCreated replays webhooks that referenced the payment before
// it was recorded.
func (h *EventHandler) HandlePaymentCreated(ctx context.Context, event events.Event) error {
	created, ok := event.(*events.PaymentStatusChangedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment created handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentStatusChangedEvent, got %T", event)
	}

	res, err := h.ingestor.ReprocessForPayment(ctx, created.ProviderName, created.ProviderPaymentID)
	if err != nil {
		h.logger.Error("failed to replay early webhooks",
			"payment_id", created.PaymentID,
			"correlation_id", created.CorrelationID,
			"error", err)
		return fmt.Errorf("replay webhooks for payment %d: %w", created.PaymentID, err)
	}

	if res.Scanned > 0 {
		h.logger.Info("replayed early webhooks",
			"payment_id", created.PaymentID,
			"scanned", res.Scanned,
			"processed", res.Processed,
			"failed", res.Failed,
			"correlation_id", created.CorrelationID)
	}
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentCreated, h.HandlePaymentCreated)

	h.logger.Info("payment event handlers registered",
		"handlers", []string{events.EventTypePaymentCreated})
}
