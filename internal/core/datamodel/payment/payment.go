package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Payment struct {
	ID                   int64           `gorm:"primaryKey"`
	ProviderName         string          `gorm:"column:provider_name;size:50;not null;uniqueIndex:idx_payments_provider_payment"`
	ProviderPaymentID    string          `gorm:"column:provider_payment_id;size:255;not null;uniqueIndex:idx_payments_provider_payment"`
	IdempotencyKey       *string         `gorm:"column:idempotency_key;size:255;uniqueIndex"`
	Amount               decimal.Decimal `gorm:"column:amount;type:numeric(15,2);not null"`
	Currency             string          `gorm:"column:currency;size:3;not null"`
	PaymentMethod        string          `gorm:"column:payment_method;size:50"`
	Status               Status          `gorm:"column:status;size:30;not null;index"`
	CustomerRef          string          `gorm:"column:customer_ref;size:255"`
	Description          string          `gorm:"column:description"`
	ProviderMetadata     JSONMap         `gorm:"column:provider_metadata"`
	TotalRefunded        decimal.Decimal `gorm:"column:total_refunded;type:numeric(15,2);not null;default:0"`
	LastWebhookAt        *time.Time      `gorm:"column:last_webhook_at"`
	WebhookEventsCount   int             `gorm:"column:webhook_events_count;not null;default:0"`
	PaidAt               *time.Time      `gorm:"column:paid_at"`
	FailedAt             *time.Time      `gorm:"column:failed_at"`
	CanceledAt           *time.Time      `gorm:"column:canceled_at"`
	RefundedAt           *time.Time      `gorm:"column:refunded_at"`
	LastTransitionSource Source          `gorm:"column:last_transition_source;size:20"`
	Version              int             `gorm:"column:version;not null;default:0"`
	CreatedAt            time.Time       `gorm:"column:created_at"`
	UpdatedAt            time.Time       `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// RemainingRefundable is the amount still available for refunds.
func (p *Payment) RemainingRefundable() decimal.Decimal {
	return p.Amount.Sub(p.TotalRefunded)
}

func (p *Payment) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}
