package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/frahmantamala/payment-ledger/internal"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Payments() paymentpkg.PaymentRepository {
	return &PaymentRepository{db: s.db}
}

func (s *Store) Refunds() paymentpkg.RefundRepository {
	return &RefundRepository{db: s.db}
}

func (s *Store) WebhookEvents() paymentpkg.WebhookEventRepository {
	return &WebhookEventRepository{db: s.db}
}

func (s *Store) Audit() paymentpkg.AuditRepository {
	return &AuditRepository{db: s.db}
}

func (s *Store) WithinTransaction(ctx context.Context, fn func(tx paymentpkg.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
	if err != nil {
		if _, ok := internal.IsAppError(err); ok || errors.Is(err, paymentpkg.ErrAlreadyExists) {
			return err
		}
		return storageError("transaction failed", err)
	}
	return nil
}

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// storageError classifies a driver error: lock contention is transient,
// anything else is an internal failure.
func storageError(message string, err error) error {
	if isContention(err) {
		return internal.ErrConcurrentUpdate.WithCause(err)
	}
	return internal.NewInternalError(message, err)
}

func notFoundOr(err error, notFound *internal.AppError, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return storageError(message, err)
}
