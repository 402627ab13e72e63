package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/common/validation"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
)

type CreatePaymentRequest struct {
	Provider          string            `json:"provider,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	PaymentMethod     string            `json:"payment_method,omitempty"`
	CustomerRef       string            `json:"customer_ref,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ProviderPaymentID string            `json:"provider_payment_id,omitempty"`
}

func (r *CreatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).Positive(errors.ErrCodeInvalidAmount).MaxScale(2, errors.ErrCodeInvalidAmount)
	validator.Field("currency", r.Currency).Required().CurrencyCode()
	validator.Field("idempotency_key", r.IdempotencyKey).MaxLength(255)
	validator.Field("description", r.Description).MaxLength(500)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func (r *CreatePaymentRequest) ToInput() CreatePaymentInput {
	return CreatePaymentInput{
		ProviderName:      r.Provider,
		IdempotencyKey:    r.IdempotencyKey,
		Amount:            r.Amount,
		Currency:          strings.ToUpper(r.Currency),
		PaymentMethod:     r.PaymentMethod,
		CustomerRef:       r.CustomerRef,
		Description:       r.Description,
		Metadata:          r.Metadata,
		ProviderPaymentID: r.ProviderPaymentID,
	}
}

type CreateRefundRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (r *CreateRefundRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount", r.Amount).Positive(errors.ErrCodeInvalidAmount).MaxScale(2, errors.ErrCodeInvalidAmount)
	validator.Field("reason", r.Reason).OneOf("duplicate", "fraudulent", "requested_by_customer")
	validator.Field("idempotency_key", r.IdempotencyKey).MaxLength(255)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type PaymentResponse struct {
	ID                 int64                  `json:"id"`
	Provider           string                 `json:"provider"`
	ProviderPaymentID  string                 `json:"provider_payment_id"`
	IdempotencyKey     *string                `json:"idempotency_key,omitempty"`
	Amount             decimal.Decimal        `json:"amount"`
	TotalRefunded      decimal.Decimal        `json:"total_refunded"`
	Currency           string                 `json:"currency"`
	PaymentMethod      string                 `json:"payment_method,omitempty"`
	Status             payment.Status         `json:"status"`
	CustomerRef        string                 `json:"customer_ref,omitempty"`
	Description        string                 `json:"description,omitempty"`
	ProviderMetadata   map[string]interface{} `json:"provider_metadata,omitempty"`
	WebhookEventsCount int                    `json:"webhook_events_count"`
	LastWebhookAt      *time.Time             `json:"last_webhook_at,omitempty"`
	PaidAt             *time.Time             `json:"paid_at,omitempty"`
	FailedAt           *time.Time             `json:"failed_at,omitempty"`
	CanceledAt         *time.Time             `json:"canceled_at,omitempty"`
	RefundedAt         *time.Time             `json:"refunded_at,omitempty"`
	LastSource         payment.Source         `json:"last_transition_source,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

func NewPaymentResponse(p *payment.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                 p.ID,
		Provider:           p.ProviderName,
		ProviderPaymentID:  p.ProviderPaymentID,
		IdempotencyKey:     p.IdempotencyKey,
		Amount:             p.Amount,
		TotalRefunded:      p.TotalRefunded,
		Currency:           p.Currency,
		PaymentMethod:      p.PaymentMethod,
		Status:             p.Status,
		CustomerRef:        p.CustomerRef,
		Description:        p.Description,
		ProviderMetadata:   p.ProviderMetadata,
		WebhookEventsCount: p.WebhookEventsCount,
		LastWebhookAt:      p.LastWebhookAt,
		PaidAt:             p.PaidAt,
		FailedAt:           p.FailedAt,
		CanceledAt:         p.CanceledAt,
		RefundedAt:         p.RefundedAt,
		LastSource:         p.LastTransitionSource,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

type RefundResponse struct {
	ID               int64           `json:"id"`
	PaymentID        int64           `json:"payment_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Status           payment.Status  `json:"status"`
	Reason           string          `json:"reason,omitempty"`
	ProviderRefundID string          `json:"provider_refund_id"`
	SucceededAt      *time.Time      `json:"succeeded_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func NewRefundResponse(r *payment.Refund) RefundResponse {
	return RefundResponse{
		ID:               r.ID,
		PaymentID:        r.PaymentID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		Status:           r.Status,
		Reason:           r.Reason,
		ProviderRefundID: r.ProviderRefundID,
		SucceededAt:      r.SucceededAt,
		FailedAt:         r.FailedAt,
		CreatedAt:        r.CreatedAt,
	}
}
