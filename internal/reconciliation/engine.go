package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/payment-ledger/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/core/events"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
	"github.com/frahmantamala/payment-ledger/internal/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/retry"
)

// Scope narrows a run. The zero value reconciles every provider's
// non-terminal payments.
type Scope struct {
	Provider              string `json:"provider,omitempty"`
	IncludeStaleSucceeded bool   `json:"include_stale_succeeded"`
}

type Result struct {
	RunID         string                 `json:"run_id"`
	Processed     int                    `json:"processed"`
	Updated       int                    `json:"updated"`
	Errors        int                    `json:"errors"`
	Deferred      int                    `json:"deferred"`
	Discrepancies []*payment.Discrepancy `json:"discrepancies"`
}

// Transitioner applies a status through the ledger's state machine.
type Transitioner interface {
	Transition(ctx context.Context, id int64, status payment.Status, source payment.Source) (*payment.Payment, error)
}

type Options struct {
	// StaleWebhookAfter is how long a SUCCEEDED payment may go without a
	// webhook before a run with IncludeStaleSucceeded re-checks it.
	StaleWebhookAfter time.Duration
}

type Engine struct {
	store      paymentpkg.Store
	gateways   *paymentgateway.Registry
	payments   Transitioner
	executor   *retry.Executor
	policies   retry.Policies
	eventBus   *events.EventBus
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewEngine(store paymentpkg.Store, gateways *paymentgateway.Registry, payments Transitioner, executor *retry.Executor, policies retry.Policies, eventBus *events.EventBus, logger *slog.Logger, opts Options) *Engine {
	staleAfter := opts.StaleWebhookAfter
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Engine{
		store:      store,
		gateways:   gateways,
		payments:   payments,
		executor:   executor,
		policies:   policies,
		eventBus:   eventBus,
		logger:     logger,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// reconcilableStatuses are the non-terminal statuses every run re-checks.
var reconcilableStatuses = []payment.Status{payment.StatusPending, payment.StatusProcessing}

// Reconcile compares up to limit payments older than maxAge with the
// provider's view. Payment failures are isolated: they are logged and
// counted and the batch carries on.
func (e *Engine) Reconcile(ctx context.Context, scope Scope, maxAge time.Duration, limit int) (*Result, error) {
	runID := uuid.NewString()
	ctx, correlationID := internal.EnsureCorrelationID(ctx)
	now := e.now()

	candidates, err := e.store.Payments().ListForReconciliation(ctx, paymentpkg.ReconciliationQuery{
		ProviderName:          scope.Provider,
		Statuses:              reconcilableStatuses,
		CreatedBefore:         now.Add(-maxAge),
		IncludeStaleSucceeded: scope.IncludeStaleSucceeded,
		StaleWebhookBefore:    now.Add(-e.staleAfter),
		Limit:                 limit,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("reconciliation run started",
		"run_id", runID,
		"provider", scope.Provider,
		"candidates", len(candidates),
		"max_age", maxAge.String(),
		"limit", limit,
		"correlation_id", correlationID)

	result := &Result{RunID: runID, Discrepancies: []*payment.Discrepancy{}}
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("reconciliation run interrupted",
				"run_id", runID,
				"processed", result.Processed,
				"correlation_id", correlationID)
			break
		}

		outcome, err := e.reconcilePayment(ctx, runID, p)
		result.Processed++
		if outcome != nil && outcome.discrepancy != nil {
			result.Discrepancies = append(result.Discrepancies, outcome.discrepancy)
		}
		if outcome != nil && outcome.updated {
			result.Updated++
		}
		if err != nil {
			if errors.Is(err, internal.ErrRetriesExhausted) && e.deferPayment(ctx, runID, p) {
				result.Deferred++
				e.logger.Warn("payment reconciliation deferred",
					"run_id", runID,
					"payment_id", p.ID,
					"provider", p.ProviderName,
					"correlation_id", correlationID,
					"error", err)
				continue
			}
			result.Errors++
			e.logger.Error("payment reconciliation failed",
				"run_id", runID,
				"payment_id", p.ID,
				"provider", p.ProviderName,
				"correlation_id", correlationID,
				"error", err)
		}
	}

	e.logger.Info("reconciliation run finished",
		"run_id", runID,
		"processed", result.Processed,
		"updated", result.Updated,
		"errors", result.Errors,
		"deferred", result.Deferred,
		"discrepancies", len(result.Discrepancies),
		"correlation_id", correlationID)
	return result, nil
}

type outcome struct {
	updated     bool
	discrepancy *payment.Discrepancy
}

func (e *Engine) reconcilePayment(ctx context.Context, runID string, p *payment.Payment) (*outcome, error) {
	remote, err := e.queryProvider(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.compare(ctx, runID, p, remote.Status)
}

func (e *Engine) queryProvider(ctx context.Context, p *payment.Payment) (*gatewaytypes.PaymentResult, error) {
	gw, err := e.gateways.Get(p.ProviderName)
	if err != nil {
		return nil, err
	}

	var remote *gatewaytypes.PaymentResult
	err = e.executor.Do(ctx, retry.Task{
		Name:      "reconcile_query",
		Reference: p.ProviderPaymentID,
		Policy:    e.policies.ProviderCall,
		Fn: func(ctx context.Context, attempt int) error {
			r, err := gw.GetPaymentStatus(ctx, p.ProviderPaymentID)
			if err != nil {
				return paymentgateway.ClassifyError(err)
			}
			remote = r
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if !remote.Status.IsValid() {
		return nil, internal.ErrProviderRejected.WithMessage(fmt.Sprintf("provider reported unknown status %q", remote.Status))
	}
	return remote, nil
}

// compare records a discrepancy whenever local and provider status differ
// and auto-corrects only forward moves the state machine accepts.
func (e *Engine) compare(ctx context.Context, runID string, p *payment.Payment, remote payment.Status) (*outcome, error) {
	if remote == p.Status {
		return &outcome{}, nil
	}

	now := e.now()
	d := &payment.Discrepancy{
		RunID:             runID,
		PaymentID:         p.ID,
		ProviderName:      p.ProviderName,
		ProviderPaymentID: p.ProviderPaymentID,
		Kind:              payment.DiscrepancyStatusMismatch,
		LocalStatus:       p.Status,
		ProviderStatus:    remote,
		Amount:            p.Amount,
		Currency:          p.Currency,
		AgeSeconds:        int64(p.Age(now).Seconds()),
		CorrelationID:     internal.CorrelationIDFromContext(ctx),
	}

	var applyErr error
	if CanAutoCorrect(p.Status, remote) {
		_, applyErr = e.payments.Transition(ctx, p.ID, remote, payment.SourceReconciliation)
		if applyErr == nil {
			d.AutoCorrected = true
			d.Resolution = fmt.Sprintf("auto-corrected %s -> %s", p.Status, remote)
		} else {
			d.Resolution = "auto-correct failed: " + applyErr.Error()
		}
	} else {
		d.Resolution = "manual review: provider status is not a forward move"
	}

	if err := e.store.Audit().CreateDiscrepancy(ctx, d); err != nil {
		return &outcome{updated: d.AutoCorrected}, err
	}

	e.logger.Warn("reconciliation discrepancy",
		"run_id", runID,
		"payment_id", p.ID,
		"local_status", d.LocalStatus,
		"provider_status", d.ProviderStatus,
		"amount", d.Amount.String(),
		"age_seconds", d.AgeSeconds,
		"auto_corrected", d.AutoCorrected,
		"correlation_id", d.CorrelationID)

	if e.eventBus != nil {
		e.eventBus.Publish(ctx, events.NewDiscrepancyFoundEvent(d))
	}
	return &outcome{updated: d.AutoCorrected, discrepancy: d}, applyErr
}

// deferPayment hands a payment whose provider stayed unreachable for the whole
// in-run budget to the executor under the provider sync policy.
func (e *Engine) deferPayment(ctx context.Context, runID string, p *payment.Payment) bool {
	paymentID := p.ID
	err := e.executor.Submit(ctx, retry.Task{
		Name:      "reconcile_payment",
		Reference: p.ProviderPaymentID,
		Policy:    e.policies.ProviderSync,
		Fn: func(ctx context.Context, attempt int) error {
			current, err := e.store.Payments().GetByID(ctx, paymentID)
			if err != nil {
				return err
			}
			if current.Status.IsTerminal() {
				return nil
			}
			remote, err := e.queryProvider(ctx, current)
			if errors.Is(err, internal.ErrRetriesExhausted) {
				return internal.ErrProviderUnavailable.WithCause(err)
			}
			if err != nil {
				return err
			}
			_, err = e.compare(ctx, runID, current, remote.Status)
			return err
		},
	})
	if err != nil {
		e.logger.Warn("could not defer payment reconciliation",
			"run_id", runID,
			"payment_id", paymentID,
			"correlation_id", internal.CorrelationIDFromContext(ctx),
			"error", err)
		return false
	}
	return true
}

// CanAutoCorrect reports whether a provider-reported status may be applied
// without manual review: it must be strictly further along the lifecycle,
// legal from the local status, and not one that only refunds produce.
func CanAutoCorrect(local, remote payment.Status) bool {
	if remote.Rank() <= local.Rank() {
		return false
	}
	if paymentpkg.IsRefundDerived(remote) {
		return false
	}
	return paymentpkg.CanTransition(local, remote)
}
