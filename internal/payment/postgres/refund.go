package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
)

type RefundRepository struct {
	db *gorm.DB
}

func NewRefundRepository(db *gorm.DB) paymentpkg.RefundRepository {
	return &RefundRepository{db: db}
}

func (r *RefundRepository) Create(ctx context.Context, refund *payment.Refund) error {
	if err := r.db.WithContext(ctx).Create(refund).Error; err != nil {
		if isDuplicateKey(err) {
			return paymentpkg.ErrAlreadyExists
		}
		return storageError("failed to create refund", err)
	}
	return nil
}

func (r *RefundRepository) GetByID(ctx context.Context, id int64) (*payment.Refund, error) {
	var refund payment.Refund
	if err := r.db.WithContext(ctx).First(&refund, id).Error; err != nil {
		return nil, notFoundOr(err, internal.ErrRefundNotFound, "failed to load refund")
	}
	return &refund, nil
}

func (r *RefundRepository) GetByProviderRefundID(ctx context.Context, providerRefundID string) (*payment.Refund, error) {
	var refund payment.Refund
	if err := r.db.WithContext(ctx).Where("provider_refund_id = ?", providerRefundID).First(&refund).Error; err != nil {
		return nil, notFoundOr(err, internal.ErrRefundNotFound, "failed to load refund")
	}
	return &refund, nil
}

func (r *RefundRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Refund, error) {
	var refund payment.Refund
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&refund).Error; err != nil {
		return nil, notFoundOr(err, internal.ErrRefundNotFound, "failed to load refund")
	}
	return &refund, nil
}

func (r *RefundRepository) ListByPayment(ctx context.Context, paymentID int64) ([]*payment.Refund, error) {
	var refunds []*payment.Refund
	err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("created_at ASC").Order("id ASC").Find(&refunds).Error
	if err != nil {
		return nil, storageError("failed to list refunds", err)
	}
	return refunds, nil
}

func (r *RefundRepository) Save(ctx context.Context, refund *payment.Refund) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&payment.Refund{}).
		Where("id = ?", refund.ID).
		Updates(map[string]interface{}{
			"status":             refund.Status,
			"provider_refund_id": refund.ProviderRefundID,
			"succeeded_at":       refund.SucceededAt,
			"failed_at":          refund.FailedAt,
			"updated_at":         now,
		}).Error
	if err != nil {
		return storageError("failed to save refund", err)
	}
	refund.UpdatedAt = now
	return nil
}
