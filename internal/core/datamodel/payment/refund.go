package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Refund struct {
	ID               int64           `gorm:"primaryKey"`
	PaymentID        int64           `gorm:"column:payment_id;not null;index"`
	Amount           decimal.Decimal `gorm:"column:amount;type:numeric(15,2);not null"`
	Currency         string          `gorm:"column:currency;size:3;not null"`
	Status           Status          `gorm:"column:status;size:30;not null"`
	Reason           string          `gorm:"column:reason"`
	IdempotencyKey   *string         `gorm:"column:idempotency_key;size:255;uniqueIndex"`
	ProviderRefundID string          `gorm:"column:provider_refund_id;size:255;index"`
	SucceededAt      *time.Time      `gorm:"column:succeeded_at"`
	FailedAt         *time.Time      `gorm:"column:failed_at"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (Refund) TableName() string {
	return "refunds"
}
