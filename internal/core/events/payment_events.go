package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
)

const (
	EventTypePaymentCreated           = "payment.created"
	EventTypePaymentProcessing        = "payment.processing"
	EventTypePaymentSucceeded         = "payment.succeeded"
	EventTypePaymentFailed            = "payment.failed"
	EventTypePaymentCanceled          = "payment.canceled"
	EventTypePaymentPartiallyRefunded = "payment.partially_refunded"
	EventTypePaymentRefunded          = "payment.refunded"
	EventTypeDiscrepancyFound         = "reconciliation.discrepancy_found"
)

var statusEventTypes = map[payment.Status]string{
	payment.StatusProcessing:        EventTypePaymentProcessing,
	payment.StatusSucceeded:         EventTypePaymentSucceeded,
	payment.StatusFailed:            EventTypePaymentFailed,
	payment.StatusCanceled:          EventTypePaymentCanceled,
	payment.StatusPartiallyRefunded: EventTypePaymentPartiallyRefunded,
	payment.StatusRefunded:          EventTypePaymentRefunded,
}

// EventTypeForStatus returns the lifecycle event published when a payment enters status.
func EventTypeForStatus(status payment.Status) (string, bool) {
	t, ok := statusEventTypes[status]
	return t, ok
}

type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID         int64  `json:"payment_id"`
	ProviderName      string `json:"provider_name"`
	ProviderPaymentID string `json:"provider_payment_id"`
	FromStatus        string `json:"from_status"`
	ToStatus          string `json:"to_status"`
	Amount            string `json:"amount"`
	TotalRefunded     string `json:"total_refunded"`
	Currency          string `json:"currency"`
	Source            string `json:"source"`
}

func NewPaymentStatusChangedEvent(p *payment.Payment, from payment.Status, source payment.Source, correlationID string) *PaymentStatusChangedEvent {
	eventType, ok := EventTypeForStatus(p.Status)
	if !ok {
		eventType = "payment." + string(p.Status)
	}

	return &PaymentStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:            uuid.New().String(),
			Type:          eventType,
			Timestamp:     time.Now(),
			CorrelationID: correlationID,
			Data: map[string]interface{}{
				"payment_id":          p.ID,
				"provider_name":       p.ProviderName,
				"provider_payment_id": p.ProviderPaymentID,
				"from_status":         string(from),
				"to_status":           string(p.Status),
				"amount":              p.Amount.String(),
				"total_refunded":      p.TotalRefunded.String(),
				"currency":            p.Currency,
				"source":              string(source),
			},
		},
		PaymentID:         p.ID,
		ProviderName:      p.ProviderName,
		ProviderPaymentID: p.ProviderPaymentID,
		FromStatus:        string(from),
		ToStatus:          string(p.Status),
		Amount:            p.Amount.String(),
		TotalRefunded:     p.TotalRefunded.String(),
		Currency:          p.Currency,
		Source:            string(source),
	}
}

// NewPaymentCreatedEvent announces a payment newly recorded in the ledger.
func NewPaymentCreatedEvent(p *payment.Payment, correlationID string) *PaymentStatusChangedEvent {
	e := NewPaymentStatusChangedEvent(p, "", payment.SourceDirect, correlationID)
	e.Type = EventTypePaymentCreated
	return e
}

type DiscrepancyFoundEvent struct {
	BaseEvent
	RunID          string `json:"run_id"`
	PaymentID      int64  `json:"payment_id"`
	LocalStatus    string `json:"local_status"`
	ProviderStatus string `json:"provider_status"`
	AutoCorrected  bool   `json:"auto_corrected"`
}

func NewDiscrepancyFoundEvent(d *payment.Discrepancy) *DiscrepancyFoundEvent {
	return &DiscrepancyFoundEvent{
		BaseEvent: BaseEvent{
			ID:            uuid.New().String(),
			Type:          EventTypeDiscrepancyFound,
			Timestamp:     time.Now(),
			CorrelationID: d.CorrelationID,
			Data: map[string]interface{}{
				"run_id":          d.RunID,
				"payment_id":      d.PaymentID,
				"provider_name":   d.ProviderName,
				"local_status":    string(d.LocalStatus),
				"provider_status": string(d.ProviderStatus),
				"amount":          d.Amount.String(),
				"age_seconds":     d.AgeSeconds,
				"auto_corrected":  d.AutoCorrected,
			},
		},
		RunID:          d.RunID,
		PaymentID:      d.PaymentID,
		LocalStatus:    string(d.LocalStatus),
		ProviderStatus: string(d.ProviderStatus),
		AutoCorrected:  d.AutoCorrected,
	}
}
