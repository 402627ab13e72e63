package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/events"
	"github.com/frahmantamala/payment-ledger/internal/retry"
)

// confirmedEvents are the lifecycle events that produce a confirmation.
var confirmedEvents = []string{
	events.EventTypePaymentSucceeded,
	events.EventTypePaymentFailed,
	events.EventTypePaymentPartiallyRefunded,
	events.EventTypePaymentRefunded,
}

// Dispatcher turns payment lifecycle events into confirmations delivered
// through the retry executor.
type Dispatcher struct {
	sender   Sender
	executor *retry.Executor
	policy   retry.Policy
	logger   *slog.Logger
}

func NewDispatcher(sender Sender, executor *retry.Executor, policy retry.Policy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		executor: executor,
		policy:   policy,
		logger:   logger,
	}
}

func (d *Dispatcher) HandlePaymentStatusChanged(ctx context.Context, event events.Event) error {
	changed, ok := event.(*events.PaymentStatusChangedEvent)
	if !ok {
		d.logger.Error("invalid event type for notification handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentStatusChangedEvent, got %T", event)
	}

	confirmation := &Confirmation{
		EventID:           changed.EventID(),
		EventType:         changed.EventType(),
		PaymentID:         changed.PaymentID,
		ProviderName:      changed.ProviderName,
		ProviderPaymentID: changed.ProviderPaymentID,
		Status:            changed.ToStatus,
		PreviousStatus:    changed.FromStatus,
		Amount:            changed.Amount,
		TotalRefunded:     changed.TotalRefunded,
		Currency:          changed.Currency,
		Source:            changed.Source,
		CorrelationID:     changed.CorrelationID,
		OccurredAt:        changed.OccurredAt(),
	}
	if confirmation.CorrelationID != "" && internal.CorrelationIDFromContext(ctx) == "" {
		ctx = internal.ContextWithCorrelationID(ctx, confirmation.CorrelationID)
	}

	err := d.executor.Submit(ctx, retry.Task{
		Name:      "notification_dispatch",
		Reference: "payment:" + strconv.FormatInt(changed.PaymentID, 10),
		Policy:    d.policy,
		Fn: func(ctx context.Context, attempt int) error {
			return d.sender.Send(ctx, confirmation)
		},
	})
	if err != nil {
		d.logger.Error("failed to queue confirmation",
			"payment_id", changed.PaymentID,
			"event_type", changed.EventType(),
			"correlation_id", changed.CorrelationID,
			"error", err)
		return fmt.Errorf("queue confirmation for payment %d: %w", changed.PaymentID, err)
	}
	return nil
}

func (d *Dispatcher) RegisterEventHandlers(eventBus *events.EventBus) {
	for _, eventType := range confirmedEvents {
		eventBus.Subscribe(eventType, d.HandlePaymentStatusChanged)
	}

	d.logger.Info("notification event handlers registered", "handlers", confirmedEvents)
}
