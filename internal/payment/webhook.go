package payment

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/payment-ledger/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/core/events"
	"github.com/frahmantamala/payment-ledger/internal/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/retry"
)

// DefaultReprocessAttempts bounds how often a stored event is re-run
// before it is left for manual review.
const DefaultReprocessAttempts = 10

// IngestResult reports what happened to one webhook delivery. Processed is
// false without an error when the event references a payment the ledger
// does not know yet. Rejected events were refused by the state machine and
// are kept for review only.
type IngestResult struct {
	EventID   int64  `json:"event_id"`
	Processed bool   `json:"processed"`
	Rejected  bool   `json:"rejected"`
	Duplicate bool   `json:"duplicate"`
	PaymentID *int64 `json:"payment_id,omitempty"`
	RefundID  *int64 `json:"refund_id,omitempty"`
}

type ReprocessResult struct {
	Scanned    int `json:"scanned"`
	Processed  int `json:"processed"`
	Unresolved int `json:"unresolved"`
	Failed     int `json:"failed"`
}

type IngestorAPI interface {
	Ingest(ctx context.Context, providerName string, payload []byte, signature string) (*IngestResult, error)
}

type Ingestor struct {
	store       Store
	gateways    *paymentgateway.Registry
	executor    *retry.Executor
	policy      retry.Policy
	eventBus    *events.EventBus
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

func NewIngestor(store Store, gateways *paymentgateway.Registry, executor *retry.Executor, policy retry.Policy, eventBus *events.EventBus, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:       store,
		gateways:    gateways,
		executor:    executor,
		policy:      policy,
		eventBus:    eventBus,
		logger:      logger,
		maxAttempts: DefaultReprocessAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Ingest validates, claims and applies one provider callback. The claim is
// an insert against the (provider, event id) unique index, so concurrent and
// replayed deliveries of the same event apply its effect at most once.
func (i *Ingestor) Ingest(ctx context.Context, providerName string, payload []byte, signature string) (*IngestResult, error) {
	ctx, correlationID := internal.EnsureCorrelationID(ctx)

	gw, err := i.gateways.Get(providerName)
	if err != nil {
		return nil, err
	}

	if !gw.ValidateWebhook(payload, signature) {
		i.logger.Warn("webhook signature rejected",
			"provider", providerName,
			"correlation_id", correlationID)
		return nil, internal.ErrInvalidSignature
	}

	evt, err := gw.ParseWebhook(payload)
	if err != nil {
		i.logger.Warn("webhook payload rejected",
			"provider", providerName,
			"correlation_id", correlationID,
			"error", err)
		return nil, err
	}
	if err := evt.Validate(); err != nil {
		return nil, internal.ErrMalformedPayload.WithCause(err)
	}

	record := &payment.WebhookEvent{
		ProviderName:      providerName,
		ProviderEventID:   evt.ProviderEventID,
		EventType:         evt.EventType,
		ProviderPaymentID: evt.ProviderPaymentID,
		ProviderRefundID:  evt.ProviderRefundID,
		ResultingStatus:   evt.ResultingStatus,
		RawPayload:        string(payload),
		CorrelationID:     correlationID,
	}
	if !evt.OccurredAt.IsZero() {
		occurred := evt.OccurredAt.UTC()
		record.OccurredAt = &occurred
	}

	duplicate := false
	err = i.store.WebhookEvents().Claim(ctx, record)
	switch {
	case errors.Is(err, ErrAlreadyExists):
		duplicate = true
		existing, getErr := i.store.WebhookEvents().GetByProviderEvent(ctx, providerName, evt.ProviderEventID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Processed || existing.Rejected {
			i.logger.Info("duplicate webhook delivery ignored",
				"provider", providerName,
				"provider_event_id", evt.ProviderEventID,
				"webhook_event_id", existing.ID,
				"correlation_id", correlationID)
			return resultFor(existing, true), nil
		}
		record = existing
	case err != nil:
		i.logger.Error("failed to claim webhook event",
			"provider", providerName,
			"provider_event_id", evt.ProviderEventID,
			"correlation_id", correlationID,
			"error", err)
		return nil, err
	}

	i.logger.Info("webhook received",
		"provider", providerName,
		"provider_event_id", evt.ProviderEventID,
		"event_type", evt.EventType,
		"webhook_event_id", record.ID,
		"duplicate", duplicate,
		"correlation_id", correlationID)

	result, err := i.process(ctx, record.ID, evt)
	if result != nil {
		result.Duplicate = duplicate
	}
	return result, err
}

func resultFor(e *payment.WebhookEvent, duplicate bool) *IngestResult {
	return &IngestResult{
		EventID:   e.ID,
		Processed: e.Processed,
		Rejected:  e.Rejected,
		Duplicate: duplicate,
		PaymentID: e.PaymentID,
		RefundID:  e.RefundID,
	}
}

type statusChange struct {
	payment *payment.Payment
	from    payment.Status
}

// process applies evt under the payment lock. The stored event is re-read
// inside the transaction, so a delivery that lost the race to a concurrent
// one returns the winner's outcome instead of applying it twice. Rejected
// transitions are committed as the event's last error, mark the event
// terminal and are returned after the commit.
func (i *Ingestor) process(ctx context.Context, eventID int64, evt *gatewaytypes.NormalizedEvent) (*IngestResult, error) {
	var (
		result   *IngestResult
		applyErr error
		changes  []statusChange
	)

	err := i.store.WithinTransaction(ctx, func(tx Store) error {
		changes = nil
		applyErr = nil

		record, err := tx.WebhookEvents().LockByID(ctx, eventID)
		if err != nil {
			return err
		}
		if record.Processed || record.Rejected {
			result = resultFor(record, true)
			return nil
		}
		record.ProcessingAttempts++
		now := i.now()

		p, err := i.resolvePayment(ctx, tx, record, evt)
		if err != nil {
			return err
		}
		if p != nil {
			p, err = tx.Payments().LockByID(ctx, p.ID)
			if err != nil {
				return err
			}
			id := p.ID
			record.PaymentID = &id
			if err := recordReceipt(ctx, tx, p, record, now); err != nil {
				return err
			}
		}

		switch evt.Kind {
		case gatewaytypes.EventKindPayment:
			if p == nil {
				break
			}
			from := p.Status
			changed, err := transitionLocked(ctx, tx, p, evt.ResultingStatus, payment.SourceWebhook, now)
			if err != nil {
				if _, ok := internal.IsAppError(err); !ok || internal.IsRetryable(err) {
					return err
				}
				applyErr = err
				break
			}
			if changed {
				changes = append(changes, statusChange{payment: p, from: from})
			}
			markProcessed(record, now)

		case gatewaytypes.EventKindRefund:
			refund, err := tx.Refunds().GetByProviderRefundID(ctx, evt.ProviderRefundID)
			if errors.Is(err, internal.ErrRefundNotFound) {
				break
			}
			if err != nil {
				return err
			}
			rid := refund.ID
			record.RefundID = &rid

			if p == nil || p.ID != refund.PaymentID {
				p, err = tx.Payments().LockByID(ctx, refund.PaymentID)
				if err != nil {
					return err
				}
				pid := p.ID
				record.PaymentID = &pid
				if err := recordReceipt(ctx, tx, p, record, now); err != nil {
					return err
				}
			}

			if _, err := refundTransitionLocked(ctx, tx, p, refund, evt.ResultingStatus, payment.SourceWebhook, now); err != nil {
				if _, ok := internal.IsAppError(err); !ok || internal.IsRetryable(err) {
					return err
				}
				applyErr = err
				break
			}
			markProcessed(record, now)

		default:
			markProcessed(record, now)
		}

		if applyErr != nil {
			msg := applyErr.Error()
			record.LastError = &msg
			record.Rejected = true
		} else {
			record.LastError = nil
		}
		if err := tx.WebhookEvents().Save(ctx, record); err != nil {
			return err
		}
		result = resultFor(record, false)
		return nil
	})
	if err != nil {
		i.logger.Error("webhook processing failed",
			"webhook_event_id", eventID,
			"provider_event_id", evt.ProviderEventID,
			"correlation_id", internal.CorrelationIDFromContext(ctx),
			"error", err)
		return nil, err
	}

	for _, c := range changes {
		publishStatusChanged(ctx, i.eventBus, c.payment, c.from, payment.SourceWebhook)
	}

	if applyErr != nil {
		i.logger.Warn("webhook event rejected by state machine",
			"webhook_event_id", eventID,
			"provider_event_id", evt.ProviderEventID,
			"resulting_status", evt.ResultingStatus,
			"correlation_id", internal.CorrelationIDFromContext(ctx),
			"error", applyErr)
		return result, applyErr
	}

	if !result.Processed && !result.Rejected {
		i.logger.Info("webhook event unresolved, payment not known yet",
			"webhook_event_id", eventID,
			"provider_payment_id", evt.ProviderPaymentID,
			"provider_refund_id", evt.ProviderRefundID,
			"correlation_id", internal.CorrelationIDFromContext(ctx))
	}
	return result, nil
}

func (i *Ingestor) resolvePayment(ctx context.Context, tx Store, record *payment.WebhookEvent, evt *gatewaytypes.NormalizedEvent) (*payment.Payment, error) {
	if record.PaymentID != nil {
		return tx.Payments().GetByID(ctx, *record.PaymentID)
	}
	if evt.ProviderPaymentID == "" {
		return nil, nil
	}
	p, err := tx.Payments().GetByProviderPaymentID(ctx, record.ProviderName, evt.ProviderPaymentID)
	if errors.Is(err, internal.ErrPaymentNotFound) {
		return nil, nil
	}
	return p, err
}

// recordReceipt counts the event against the payment once per event id,
// however many deliveries or processing attempts it takes.
func recordReceipt(ctx context.Context, tx Store, p *payment.Payment, record *payment.WebhookEvent, now time.Time) error {
	if record.ReceiptRecorded {
		return nil
	}
	p.WebhookEventsCount++
	p.LastWebhookAt = &now
	record.ReceiptRecorded = true
	return tx.Payments().Save(ctx, p)
}

func markProcessed(record *payment.WebhookEvent, now time.Time) {
	record.Processed = true
	record.ProcessedAt = &now
}

// Reprocess re-runs a stored event from its retained payload.
func (i *Ingestor) Reprocess(ctx context.Context, eventID int64) (*IngestResult, error) {
	record, err := i.store.WebhookEvents().GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if record.Processed || record.Rejected {
		return resultFor(record, true), nil
	}
	if record.CorrelationID != "" && internal.CorrelationIDFromContext(ctx) == "" {
		ctx = internal.ContextWithCorrelationID(ctx, record.CorrelationID)
	}

	gw, err := i.gateways.Get(record.ProviderName)
	if err != nil {
		return nil, err
	}
	evt, err := gw.ParseWebhook([]byte(record.RawPayload))
	if err != nil {
		return nil, err
	}
	return i.process(ctx, record.ID, evt)
}

// ReprocessPending re-runs stored events that have not been applied or
// rejected yet, oldest first. Transient failures are handed to the executor under the
// webhook retry policy; everything else is counted and left for the next pass.
func (i *Ingestor) ReprocessPending(ctx context.Context, limit int) (*ReprocessResult, error) {
	ctx, correlationID := internal.EnsureCorrelationID(ctx)

	pending, err := i.store.WebhookEvents().ListUnprocessed(ctx, i.maxAttempts, limit)
	if err != nil {
		return nil, err
	}

	result := &ReprocessResult{Scanned: len(pending)}
	for _, record := range pending {
		res, err := i.Reprocess(ctx, record.ID)
		switch {
		case err == nil && res.Processed:
			result.Processed++
		case err == nil:
			result.Unresolved++
		case internal.IsRetryable(err):
			result.Failed++
			i.scheduleReprocess(ctx, record.ID)
		default:
			result.Failed++
		}
	}

	i.logger.Info("webhook reprocess pass finished",
		"scanned", result.Scanned,
		"processed", result.Processed,
		"unresolved", result.Unresolved,
		"failed", result.Failed,
		"correlation_id", correlationID)
	return result, nil
}

// ReprocessForPayment replays events that arrived before their payment was
// recorded locally.
func (i *Ingestor) ReprocessForPayment(ctx context.Context, providerName, providerPaymentID string) (*ReprocessResult, error) {
	pending, err := i.store.WebhookEvents().ListUnprocessedForPayment(ctx, providerName, providerPaymentID)
	if err != nil {
		return nil, err
	}

	result := &ReprocessResult{Scanned: len(pending)}
	for _, record := range pending {
		res, err := i.Reprocess(ctx, record.ID)
		switch {
		case err == nil && res.Processed:
			result.Processed++
		case err == nil:
			result.Unresolved++
		default:
			result.Failed++
			if internal.IsRetryable(err) {
				i.scheduleReprocess(ctx, record.ID)
			}
		}
	}
	return result, nil
}

func (i *Ingestor) scheduleReprocess(ctx context.Context, eventID int64) {
	if i.executor == nil {
		return
	}
	err := i.executor.Submit(ctx, retry.Task{
		Name:      "webhook_reprocess",
		Reference: "webhook_event:" + strconv.FormatInt(eventID, 10),
		Policy:    i.policy,
		Fn: func(ctx context.Context, attempt int) error {
			_, err := i.Reprocess(ctx, eventID)
			return err
		},
	})
	if err != nil {
		i.logger.Warn("could not schedule webhook reprocess",
			"webhook_event_id", eventID,
			"correlation_id", internal.CorrelationIDFromContext(ctx),
			"error", err)
	}
}
