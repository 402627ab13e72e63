package payment

import "time"

// WebhookEvent is the durable receipt of one provider notification. The
// (provider_name, provider_event_id) unique index is what makes ingestion
// idempotent under concurrent delivery.
type WebhookEvent struct {
	ID                 int64      `gorm:"primaryKey"`
	ProviderName       string     `gorm:"column:provider_name;size:50;not null;uniqueIndex:idx_webhook_events_provider_event"`
	ProviderEventID    string     `gorm:"column:provider_event_id;size:255;not null;uniqueIndex:idx_webhook_events_provider_event"`
	EventType          string     `gorm:"column:event_type;size:100;not null"`
	ProviderPaymentID  string     `gorm:"column:provider_payment_id;size:255;index"`
	ProviderRefundID   string     `gorm:"column:provider_refund_id;size:255"`
	ResultingStatus    Status     `gorm:"column:resulting_status;size:30"`
	RawPayload         string     `gorm:"column:raw_payload;type:text"`
	Processed          bool       `gorm:"column:processed;not null;default:false;index"`
	ProcessedAt        *time.Time `gorm:"column:processed_at"`
	// Rejected marks an event the state machine refused; it is never re-run.
	Rejected           bool       `gorm:"column:rejected;not null;default:false"`
	ProcessingAttempts int        `gorm:"column:processing_attempts;not null;default:0"`
	ReceiptRecorded    bool       `gorm:"column:receipt_recorded;not null;default:false"`
	LastError          *string    `gorm:"column:last_error"`
	PaymentID          *int64     `gorm:"column:payment_id;index"`
	RefundID           *int64     `gorm:"column:refund_id"`
	CorrelationID      string     `gorm:"column:correlation_id;size:64"`
	OccurredAt         *time.Time `gorm:"column:occurred_at"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
