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

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		if isDuplicateKey(err) {
			return paymentpkg.ErrAlreadyExists
		}
		return storageError("failed to create payment", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id int64) (*payment.Payment, error) {
	var p payment.Payment
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFoundOr(err, internal.ErrPaymentNotFound, "failed to load payment")
	}
	return &p, nil
}

func (r *PaymentRepository) GetByProviderPaymentID(ctx context.Context, providerName, providerPaymentID string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).
		Where("provider_name = ? AND provider_payment_id = ?", providerName, providerPaymentID).
		First(&p).Error
	if err != nil {
		return nil, notFoundOr(err, internal.ErrPaymentNotFound, "failed to load payment")
	}
	return &p, nil
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	var p payment.Payment
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&p).Error; err != nil {
		return nil, notFoundOr(err, internal.ErrPaymentNotFound, "failed to load payment")
	}
	return &p, nil
}

func (r *PaymentRepository) LockByID(ctx context.Context, id int64) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, id).Error
	if err != nil {
		return nil, notFoundOr(err, internal.ErrPaymentNotFound, "failed to lock payment")
	}
	return &p, nil
}

func (r *PaymentRepository) Save(ctx context.Context, p *payment.Payment) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&payment.Payment{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]interface{}{
			"status":                 p.Status,
			"payment_method":         p.PaymentMethod,
			"provider_metadata":      p.ProviderMetadata,
			"total_refunded":         p.TotalRefunded,
			"last_webhook_at":        p.LastWebhookAt,
			"webhook_events_count":   p.WebhookEventsCount,
			"paid_at":                p.PaidAt,
			"failed_at":              p.FailedAt,
			"canceled_at":            p.CanceledAt,
			"refunded_at":            p.RefundedAt,
			"last_transition_source": p.LastTransitionSource,
			"version":                p.Version + 1,
			"updated_at":             now,
		})
	if res.Error != nil {
		return storageError("failed to save payment", res.Error)
	}
	if res.RowsAffected == 0 {
		return internal.ErrConcurrentUpdate.WithDetails(map[string]interface{}{"payment_id": p.ID, "version": p.Version})
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

// ListForReconciliation returns candidates oldest first so consecutive
// bounded runs drain the backlog in a stable order.
func (r *PaymentRepository) ListForReconciliation(ctx context.Context, q paymentpkg.ReconciliationQuery) ([]*payment.Payment, error) {
	statuses := make([]string, 0, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses = append(statuses, string(s))
	}

	db := r.db.WithContext(ctx).Where("created_at < ?", q.CreatedBefore)
	if q.ProviderName != "" {
		db = db.Where("provider_name = ?", q.ProviderName)
	}

	if q.IncludeStaleSucceeded {
		db = db.Where(
			r.db.Where("status IN ?", statuses).
				Or("status = ? AND (last_webhook_at IS NULL OR last_webhook_at < ?)", payment.StatusSucceeded, q.StaleWebhookBefore),
		)
	} else {
		db = db.Where("status IN ?", statuses)
	}

	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var payments []*payment.Payment
	if err := db.Order("created_at ASC").Order("id ASC").Find(&payments).Error; err != nil {
		return nil, storageError("failed to list payments for reconciliation", err)
	}
	return payments, nil
}
