package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
)

var errWebhookEventNotFound = internal.NewNotFoundError("webhook event not found", "WEBHOOK_EVENT_NOT_FOUND")

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) paymentpkg.WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Claim relies on the (provider_name, provider_event_id) unique index; a
// concurrent or replayed delivery loses here, at the storage layer.
func (r *WebhookEventRepository) Claim(ctx context.Context, e *payment.WebhookEvent) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		if isDuplicateKey(err) {
			return paymentpkg.ErrAlreadyExists
		}
		return storageError("failed to record webhook event", err)
	}
	return nil
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, id int64) (*payment.WebhookEvent, error) {
	var e payment.WebhookEvent
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFoundOr(err, errWebhookEventNotFound, "failed to load webhook event")
	}
	return &e, nil
}

func (r *WebhookEventRepository) LockByID(ctx context.Context, id int64) (*payment.WebhookEvent, error) {
	var e payment.WebhookEvent
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&e, id).Error
	if err != nil {
		return nil, notFoundOr(err, errWebhookEventNotFound, "failed to lock webhook event")
	}
	return &e, nil
}

func (r *WebhookEventRepository) GetByProviderEvent(ctx context.Context, providerName, providerEventID string) (*payment.WebhookEvent, error) {
	var e payment.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider_name = ? AND provider_event_id = ?", providerName, providerEventID).
		First(&e).Error
	if err != nil {
		return nil, notFoundOr(err, errWebhookEventNotFound, "failed to load webhook event")
	}
	return &e, nil
}

func (r *WebhookEventRepository) Save(ctx context.Context, e *payment.WebhookEvent) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&payment.WebhookEvent{}).
		Where("id = ?", e.ID).
		Updates(map[string]interface{}{
			"processed":           e.Processed,
			"rejected":            e.Rejected,
			"processed_at":        e.ProcessedAt,
			"processing_attempts": e.ProcessingAttempts,
			"receipt_recorded":    e.ReceiptRecorded,
			"last_error":          e.LastError,
			"payment_id":          e.PaymentID,
			"refund_id":           e.RefundID,
			"updated_at":          now,
		}).Error
	if err != nil {
		return storageError("failed to save webhook event", err)
	}
	e.UpdatedAt = now
	return nil
}

func (r *WebhookEventRepository) ListUnprocessed(ctx context.Context, maxAttempts, limit int) ([]*payment.WebhookEvent, error) {
	db := r.db.WithContext(ctx).Where("processed = ? AND rejected = ?", false, false)
	if maxAttempts > 0 {
		db = db.Where("processing_attempts < ?", maxAttempts)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}

	var events []*payment.WebhookEvent
	if err := db.Order("created_at ASC").Order("id ASC").Find(&events).Error; err != nil {
		return nil, storageError("failed to list unprocessed webhook events", err)
	}
	return events, nil
}

func (r *WebhookEventRepository) ListUnprocessedForPayment(ctx context.Context, providerName, providerPaymentID string) ([]*payment.WebhookEvent, error) {
	var events []*payment.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND rejected = ? AND provider_name = ? AND provider_payment_id = ?", false, false, providerName, providerPaymentID).
		Order("created_at ASC").Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, storageError("failed to list webhook events for payment", err)
	}
	return events, nil
}
