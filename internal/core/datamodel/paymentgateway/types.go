package paymentgateway

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
)

type CreatePaymentRequest struct {
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	PaymentMethod  string            `json:"payment_method,omitempty"`
	CustomerRef    string            `json:"customer_ref,omitempty"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r *CreatePaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	if len(strings.TrimSpace(r.Currency)) != 3 {
		return errors.New("currency must be a 3-letter ISO code")
	}
	return nil
}

// PaymentResult is a provider's view of one payment, already mapped into
// the ledger's status vocabulary.
type PaymentResult struct {
	ProviderPaymentID string                 `json:"provider_payment_id"`
	Status            payment.Status         `json:"status"`
	Amount            decimal.Decimal        `json:"amount"`
	Currency          string                 `json:"currency"`
	ProviderData      map[string]interface{} `json:"provider_data,omitempty"`
}

type RefundRequest struct {
	ProviderPaymentID string          `json:"provider_payment_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
}

func (r *RefundRequest) Validate() error {
	if r.ProviderPaymentID == "" {
		return errors.New("provider_payment_id is required")
	}
	if !r.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	return nil
}

type RefundResult struct {
	ProviderRefundID  string          `json:"provider_refund_id"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	Status            payment.Status  `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
}

type EventKind string

const (
	EventKindPayment EventKind = "payment"
	EventKindRefund  EventKind = "refund"
	// EventKindIgnored marks provider events the ledger records but does not act on.
	EventKindIgnored EventKind = "ignored"
)

// NormalizedEvent is a provider webhook reduced to what the ledger needs.
type NormalizedEvent struct {
	ProviderEventID   string          `json:"provider_event_id"`
	EventType         string          `json:"event_type"`
	Kind              EventKind       `json:"kind"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	ProviderRefundID  string          `json:"provider_refund_id,omitempty"`
	ResultingStatus   payment.Status  `json:"resulting_status,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	RawData           []byte          `json:"-"`
}

func (e *NormalizedEvent) Validate() error {
	if e.ProviderEventID == "" {
		return errors.New("provider event id is required")
	}
	if e.EventType == "" {
		return errors.New("event type is required")
	}
	if e.Kind != EventKindIgnored && e.ProviderPaymentID == "" && e.ProviderRefundID == "" {
		return errors.New("event does not reference a payment or refund")
	}
	if e.ResultingStatus != "" && !e.ResultingStatus.IsValid() {
		return errors.New("resulting status is not recognised")
	}
	return nil
}
