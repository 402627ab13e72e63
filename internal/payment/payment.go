package payment

import (
	"context"
	"errors"
	"time"

	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
)

// ErrAlreadyExists is returned by repositories when a write hits a
// uniqueness constraint. Callers resolve it by re-reading the winner.
var ErrAlreadyExists = errors.New("record already exists")

type PaymentRepository interface {
	Create(ctx context.Context, p *payment.Payment) error
	GetByID(ctx context.Context, id int64) (*payment.Payment, error)
	GetByProviderPaymentID(ctx context.Context, providerName, providerPaymentID string) (*payment.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error)
	// LockByID reads the row with an exclusive lock; only meaningful inside a transaction.
	LockByID(ctx context.Context, id int64) (*payment.Payment, error)
	// Save persists p if its version is unchanged since it was read and bumps the version.
	Save(ctx context.Context, p *payment.Payment) error
	ListForReconciliation(ctx context.Context, q ReconciliationQuery) ([]*payment.Payment, error)
}

type ReconciliationQuery struct {
	ProviderName          string
	Statuses              []payment.Status
	CreatedBefore         time.Time
	IncludeStaleSucceeded bool
	StaleWebhookBefore    time.Time
	Limit                 int
}

type RefundRepository interface {
	Create(ctx context.Context, r *payment.Refund) error
	GetByID(ctx context.Context, id int64) (*payment.Refund, error)
	GetByProviderRefundID(ctx context.Context, providerRefundID string) (*payment.Refund, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*payment.Refund, error)
	ListByPayment(ctx context.Context, paymentID int64) ([]*payment.Refund, error)
	Save(ctx context.Context, r *payment.Refund) error
}

type WebhookEventRepository interface {
	// Claim inserts e; a second claim of the same (provider, event id) returns ErrAlreadyExists.
	Claim(ctx context.Context, e *payment.WebhookEvent) error
	GetByID(ctx context.Context, id int64) (*payment.WebhookEvent, error)
	// LockByID serializes processors of the same event; only meaningful inside a transaction.
	LockByID(ctx context.Context, id int64) (*payment.WebhookEvent, error)
	GetByProviderEvent(ctx context.Context, providerName, providerEventID string) (*payment.WebhookEvent, error)
	Save(ctx context.Context, e *payment.WebhookEvent) error
	ListUnprocessed(ctx context.Context, maxAttempts, limit int) ([]*payment.WebhookEvent, error)
	ListUnprocessedForPayment(ctx context.Context, providerName, providerPaymentID string) ([]*payment.WebhookEvent, error)
}

type DiscrepancyFilter struct {
	RunID        string
	ProviderName string
	Since        time.Time
	Limit        int
}

type AuditRepository interface {
	LogTransition(ctx context.Context, entry *payment.TransitionLog) error
	ListTransitions(ctx context.Context, entityType string, entityID int64) ([]*payment.TransitionLog, error)
	CreateDiscrepancy(ctx context.Context, d *payment.Discrepancy) error
	ListDiscrepancies(ctx context.Context, f DiscrepancyFilter) ([]*payment.Discrepancy, error)
	RecordFailedTask(ctx context.Context, t *payment.FailedTask) error
	ListFailedTasks(ctx context.Context, limit int) ([]*payment.FailedTask, error)
}

// Store groups the ledger repositories and scopes them to one transaction.
type Store interface {
	Payments() PaymentRepository
	Refunds() RefundRepository
	WebhookEvents() WebhookEventRepository
	Audit() AuditRepository
	WithinTransaction(ctx context.Context, fn func(tx Store) error) error
}
