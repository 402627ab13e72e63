package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EntityPayment = "payment"
	EntityRefund  = "refund"
)

// TransitionLog records every accepted status change.
type TransitionLog struct {
	ID            int64     `gorm:"primaryKey"`
	EntityType    string    `gorm:"column:entity_type;size:20;not null;index:idx_transition_logs_entity"`
	EntityID      int64     `gorm:"column:entity_id;not null;index:idx_transition_logs_entity"`
	FromStatus    Status    `gorm:"column:from_status;size:30;not null"`
	ToStatus      Status    `gorm:"column:to_status;size:30;not null"`
	Source        Source    `gorm:"column:source;size:20;not null"`
	CorrelationID string    `gorm:"column:correlation_id;size:64"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (TransitionLog) TableName() string {
	return "transition_logs"
}

const (
	DiscrepancyStatusMismatch = "status_mismatch"
	DiscrepancyRefundFailed   = "refund_failed_after_apply"
	DiscrepancyRefundOrphaned = "refund_not_applied"
)

// Discrepancy is a reconciliation finding between local and provider state.
type Discrepancy struct {
	ID                int64           `gorm:"primaryKey" json:"id"`
	RunID             string          `gorm:"column:run_id;size:64;index" json:"run_id"`
	PaymentID         int64           `gorm:"column:payment_id;not null;index" json:"payment_id"`
	ProviderName      string          `gorm:"column:provider_name;size:50;not null" json:"provider_name"`
	ProviderPaymentID string          `gorm:"column:provider_payment_id;size:255" json:"provider_payment_id"`
	Kind              string          `gorm:"column:kind;size:40;not null" json:"kind"`
	LocalStatus       Status          `gorm:"column:local_status;size:30;not null" json:"local_status"`
	ProviderStatus    Status          `gorm:"column:provider_status;size:30" json:"provider_status"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric(15,2);not null" json:"amount"`
	Currency          string          `gorm:"column:currency;size:3" json:"currency"`
	AgeSeconds        int64           `gorm:"column:age_seconds" json:"age_seconds"`
	AutoCorrected     bool            `gorm:"column:auto_corrected;not null;default:false" json:"auto_corrected"`
	Resolution        string          `gorm:"column:resolution" json:"resolution"`
	CorrelationID     string          `gorm:"column:correlation_id;size:64" json:"correlation_id"`
	CreatedAt         time.Time       `gorm:"column:created_at;index" json:"created_at"`
}

func (Discrepancy) TableName() string {
	return "discrepancies"
}

// FailedTask is the durable record of a unit of work that exhausted its retries.
type FailedTask struct {
	ID            int64     `gorm:"primaryKey"`
	TaskName      string    `gorm:"column:task_name;size:100;not null;index"`
	Reference     string    `gorm:"column:reference;size:255"`
	Attempts      int       `gorm:"column:attempts;not null"`
	LastError     string    `gorm:"column:last_error"`
	CorrelationID string    `gorm:"column:correlation_id;size:64"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (FailedTask) TableName() string {
	return "failed_tasks"
}

// Models lists every ledger table for migrations in tests.
func Models() []interface{} {
	return []interface{}{
		&Payment{},
		&Refund{},
		&WebhookEvent{},
		&TransitionLog{},
		&Discrepancy{},
		&FailedTask{},
	}
}
