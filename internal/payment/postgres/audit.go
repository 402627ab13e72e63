package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) LogTransition(ctx context.Context, entry *payment.TransitionLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return storageError("failed to write transition log", err)
	}
	return nil
}

func (r *AuditRepository) ListTransitions(ctx context.Context, entityType string, entityID int64) ([]*payment.TransitionLog, error) {
	var entries []*payment.TransitionLog
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, storageError("failed to list transitions", err)
	}
	return entries, nil
}

func (r *AuditRepository) CreateDiscrepancy(ctx context.Context, d *payment.Discrepancy) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return storageError("failed to record discrepancy", err)
	}
	return nil
}

func (r *AuditRepository) ListDiscrepancies(ctx context.Context, f paymentpkg.DiscrepancyFilter) ([]*payment.Discrepancy, error) {
	db := r.db.WithContext(ctx)
	if f.RunID != "" {
		db = db.Where("run_id = ?", f.RunID)
	}
	if f.ProviderName != "" {
		db = db.Where("provider_name = ?", f.ProviderName)
	}
	if !f.Since.IsZero() {
		db = db.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		db = db.Limit(f.Limit)
	}

	var out []*payment.Discrepancy
	if err := db.Order("created_at DESC").Order("id DESC").Find(&out).Error; err != nil {
		return nil, storageError("failed to list discrepancies", err)
	}
	return out, nil
}

func (r *AuditRepository) RecordFailedTask(ctx context.Context, t *payment.FailedTask) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return storageError("failed to record failed task", err)
	}
	return nil
}

func (r *AuditRepository) ListFailedTasks(ctx context.Context, limit int) ([]*payment.FailedTask, error) {
	db := r.db.WithContext(ctx)
	if limit > 0 {
		db = db.Limit(limit)
	}
	var out []*payment.FailedTask
	if err := db.Order("id DESC").Find(&out).Error; err != nil {
		return nil, storageError("failed to list failed tasks", err)
	}
	return out, nil
}
