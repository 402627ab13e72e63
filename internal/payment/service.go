package payment

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/payment-ledger/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/core/events"
	"github.com/frahmantamala/payment-ledger/internal/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/retry"
)

// ErrRefundPending is returned by the refund status follow-up while the
// provider has not settled the refund yet, so the executor retries it.
var ErrRefundPending = internal.NewTransientError("refund is still pending at the provider", "REFUND_PENDING")

type ServiceAPI interface {
	CreatePayment(ctx context.Context, in CreatePaymentInput) (*payment.Payment, bool, error)
	GetPayment(ctx context.Context, id int64) (*payment.Payment, error)
	Transition(ctx context.Context, id int64, status payment.Status, source payment.Source) (*payment.Payment, error)
	CancelPayment(ctx context.Context, id int64) (*payment.Payment, error)
	CreateRefund(ctx context.Context, paymentID int64, in CreateRefundInput) (*payment.Refund, bool, error)
	ListRefunds(ctx context.Context, paymentID int64) ([]*payment.Refund, error)
}

type CreatePaymentInput struct {
	ProviderName   string
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	CustomerRef    string
	Description    string
	Metadata       map[string]string
	// ProviderPaymentID registers a payment already created at the provider
	// instead of creating a new one there.
	ProviderPaymentID string
}

type CreateRefundInput struct {
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

type Service struct {
	store    Store
	gateways *paymentgateway.Registry
	executor *retry.Executor
	policies retry.Policies
	eventBus *events.EventBus
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, gateways *paymentgateway.Registry, executor *retry.Executor, policies retry.Policies, eventBus *events.EventBus, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateways: gateways,
		executor: executor,
		policies: policies,
		eventBus: eventBus,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) gateway(name string) (paymentgateway.Gateway, error) {
	if name == "" {
		return s.gateways.Default()
	}
	return s.gateways.Get(name)
}

// CreatePayment records a new PENDING payment. A repeated idempotency key
// returns the payment created by the first request and created is false.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*payment.Payment, bool, error) {
	ctx, correlationID := internal.EnsureCorrelationID(ctx)

	req := &gatewaytypes.CreatePaymentRequest{
		IdempotencyKey: in.IdempotencyKey,
		Amount:         in.Amount,
		Currency:       strings.ToUpper(in.Currency),
		PaymentMethod:  in.PaymentMethod,
		CustomerRef:    in.CustomerRef,
		Description:    in.Description,
		Metadata:       in.Metadata,
	}
	if err := req.Validate(); err != nil {
		return nil, false, internal.NewValidationError(err.Error(), internal.ErrCodeValidationFailed)
	}

	gw, err := s.gateway(in.ProviderName)
	if err != nil {
		return nil, false, err
	}

	if in.IdempotencyKey != "" {
		existing, err := s.store.Payments().GetByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			if !existing.Amount.Equal(req.Amount) || existing.Currency != req.Currency {
				return nil, false, internal.ErrDuplicateIdempotency.WithDetails(map[string]interface{}{
					"payment_id": existing.ID,
				})
			}
			s.logger.Info("payment already created for idempotency key",
				"payment_id", existing.ID,
				"correlation_id", correlationID)
			return existing, false, nil
		}
		if !errors.Is(err, internal.ErrPaymentNotFound) {
			return nil, false, err
		}
	}

	providerPaymentID := in.ProviderPaymentID
	providerStatus := payment.StatusPending
	var providerData payment.JSONMap
	if providerPaymentID == "" {
		var res *gatewaytypes.PaymentResult
		err := s.executor.Do(ctx, retry.Task{
			Name:      "create_payment",
			Reference: in.IdempotencyKey,
			Policy:    s.policies.ProviderCall,
			Fn: func(ctx context.Context, attempt int) error {
				r, err := gw.CreatePayment(ctx, req)
				if err != nil {
					return paymentgateway.ClassifyError(err)
				}
				res = r
				return nil
			},
		})
		if err != nil {
			s.logger.Error("provider rejected payment creation",
				"provider", gw.Name(),
				"correlation_id", correlationID,
				"error", err)
			return nil, false, err
		}
		providerPaymentID = res.ProviderPaymentID
		providerStatus = res.Status
		providerData = res.ProviderData
	}

	p := &payment.Payment{
		ProviderName:      gw.Name(),
		ProviderPaymentID: providerPaymentID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		PaymentMethod:     in.PaymentMethod,
		Status:            payment.StatusPending,
		CustomerRef:       in.CustomerRef,
		Description:       in.Description,
		ProviderMetadata:  providerData,
		TotalRefunded:     decimal.Zero,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		p.IdempotencyKey = &key
	}

	err = s.store.WithinTransaction(ctx, func(tx Store) error {
		if err := tx.Payments().Create(ctx, p); err != nil {
			return err
		}
		return tx.Audit().LogTransition(ctx, &payment.TransitionLog{
			EntityType:    payment.EntityPayment,
			EntityID:      p.ID,
			ToStatus:      p.Status,
			Source:        payment.SourceDirect,
			CorrelationID: correlationID,
		})
	})
	if errors.Is(err, ErrAlreadyExists) {
		return s.resolveDuplicatePayment(ctx, p)
	}
	if err != nil {
		s.logger.Error("failed to record payment", "correlation_id", correlationID, "error", err)
		return nil, false, err
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"provider", p.ProviderName,
		"provider_payment_id", p.ProviderPaymentID,
		"amount", p.Amount.String(),
		"currency", p.Currency,
		"correlation_id", correlationID)

	if s.eventBus != nil {
		s.eventBus.Publish(ctx, events.NewPaymentCreatedEvent(p, correlationID))
	}

	if providerStatus != payment.StatusPending && providerStatus.IsValid() {
		synced, err := s.Transition(ctx, p.ID, providerStatus, payment.SourceDirect)
		if err != nil {
			s.logger.Warn("could not apply provider status at creation",
				"payment_id", p.ID,
				"provider_status", providerStatus,
				"correlation_id", correlationID,
				"error", err)
			return p, true, nil
		}
		p = synced
	}

	return p, true, nil
}

// sameRefundRequest rejects a reused idempotency key whose first refund was
// for another payment or amount.
func sameRefundRequest(existing *payment.Refund, paymentID int64, amount decimal.Decimal) error {
	if existing.PaymentID == paymentID && existing.Amount.Equal(amount) {
		return nil
	}
	return internal.ErrDuplicateIdempotency.WithDetails(map[string]interface{}{
		"refund_id":  existing.ID,
		"payment_id": existing.PaymentID,
	})
}

// resolveDuplicatePayment re-reads the row that won a uniqueness race.
func (s *Service) resolveDuplicatePayment(ctx context.Context, p *payment.Payment) (*payment.Payment, bool, error) {
	if p.IdempotencyKey != nil {
		existing, err := s.store.Payments().GetByIdempotencyKey(ctx, *p.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, internal.ErrPaymentNotFound) {
			return nil, false, err
		}
	}
	existing, err := s.store.Payments().GetByProviderPaymentID(ctx, p.ProviderName, p.ProviderPaymentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Service) GetPayment(ctx context.Context, id int64) (*payment.Payment, error) {
	return s.store.Payments().GetByID(ctx, id)
}

func (s *Service) ListRefunds(ctx context.Context, paymentID int64) ([]*payment.Refund, error) {
	if _, err := s.store.Payments().GetByID(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.store.Refunds().ListByPayment(ctx, paymentID)
}

// Transition applies status to the payment under its row lock. Requesting
// the current status succeeds without writing anything.
func (s *Service) Transition(ctx context.Context, id int64, status payment.Status, source payment.Source) (*payment.Payment, error) {
	ctx, correlationID := internal.EnsureCorrelationID(ctx)

	var (
		result  *payment.Payment
		from    payment.Status
		changed bool
	)
	err := s.store.WithinTransaction(ctx, func(tx Store) error {
		p, err := tx.Payments().LockByID(ctx, id)
		if err != nil {
			return err
		}
		from = p.Status
		changed, err = transitionLocked(ctx, tx, p, status, source, s.now())
		if err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		s.logger.Warn("payment transition rejected",
			"payment_id", id,
			"requested_status", status,
			"source", source,
			"correlation_id", correlationID,
			"error", err)
		return nil, err
	}

	if changed {
		s.logger.Info("payment transitioned",
			"payment_id", id,
			"from_status", from,
			"to_status", result.Status,
			"source", source,
			"correlation_id", correlationID)
		publishStatusChanged(ctx, s.eventBus, result, from, source)
	}
	return result, nil
}

// transitionLocked applies status to a payment the caller holds locked in
// tx and writes the audit row when it changed.
func transitionLocked(ctx context.Context, tx Store, p *payment.Payment, status payment.Status, source payment.Source, now time.Time) (bool, error) {
	from := p.Status
	changed, err := ApplyTransition(p, status, source, now)
	if err != nil || !changed {
		return false, err
	}
	if err := tx.Payments().Save(ctx, p); err != nil {
		return false, err
	}
	if err := tx.Audit().LogTransition(ctx, &payment.TransitionLog{
		EntityType:    payment.EntityPayment,
		EntityID:      p.ID,
		FromStatus:    from,
		ToStatus:      p.Status,
		Source:        source,
		CorrelationID: internal.CorrelationIDFromContext(ctx),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func publishStatusChanged(ctx context.Context, bus *events.EventBus, p *payment.Payment, from payment.Status, source payment.Source) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, events.NewPaymentStatusChangedEvent(p, from, source, internal.CorrelationIDFromContext(ctx)))
}

// CancelPayment cancels the payment at the provider and then locally.
func (s *Service) CancelPayment(ctx context.Context, id int64) (*payment.Payment, error) {
	ctx, correlationID := internal.EnsureCorrelationID(ctx)

	p, err := s.store.Payments().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == payment.StatusCanceled {
		return p, nil
	}
	if !CanTransition(p.Status, payment.StatusCanceled) {
		return nil, invalidTransition(p.Status, payment.StatusCanceled)
	}

	gw, err := s.gateways.Get(p.ProviderName)
	if err != nil {
		return nil, err
	}

	var res *gatewaytypes.PaymentResult
	err = s.executor.Do(ctx, retry.Task{
		Name:      "cancel_payment",
		Reference: p.ProviderPaymentID,
		Policy:    s.policies.ProviderCall,
		Fn: func(ctx context.Context, attempt int) error {
			r, err := gw.CancelPayment(ctx, p.ProviderPaymentID)
			if err != nil {
				return paymentgateway.ClassifyError(err)
			}
			res = r
			return nil
		},
	})
	if err != nil {
		s.logger.Error("provider cancel failed",
			"payment_id", id,
			"correlation_id", correlationID,
			"error", err)
		return nil, err
	}

	return s.Transition(ctx, id, res.Status, payment.SourceDirect)
}

// CreateRefund refunds part or all of a payment. The balance is checked
// before the provider call and again under the payment lock before the
// refund is booked, so concurrent refunds cannot overdraw the payment.
func (s *Service) CreateRefund(ctx context.Context, paymentID int64, in CreateRefundInput) (*payment.Refund, bool, error) {
	ctx, correlationID := internal.EnsureCorrelationID(ctx)

	if !in.Amount.IsPositive() {
		return nil, false, internal.NewValidationFieldError("amount", "refund amount must be greater than 0", internal.ErrCodeInvalidAmount)
	}

	if in.IdempotencyKey != "" {
		existing, err := s.store.Refunds().GetByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			if err := sameRefundRequest(existing, paymentID, in.Amount); err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		if !errors.Is(err, internal.ErrRefundNotFound) {
			return nil, false, err
		}
	}

	p, err := s.store.Payments().GetByID(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	precheck := *p
	if err := ApplyRefund(&precheck, in.Amount, payment.SourceDirect, s.now()); err != nil {
		return nil, false, err
	}

	gw, err := s.gateways.Get(p.ProviderName)
	if err != nil {
		return nil, false, err
	}

	providerKey := in.IdempotencyKey
	if providerKey == "" {
		providerKey = "refund-" + uuid.NewString()
	}
	req := &gatewaytypes.RefundRequest{
		ProviderPaymentID: p.ProviderPaymentID,
		Amount:            in.Amount,
		Currency:          p.Currency,
		Reason:            in.Reason,
		IdempotencyKey:    providerKey,
	}

	var res *gatewaytypes.RefundResult
	err = s.executor.Do(ctx, retry.Task{
		Name:      "create_refund",
		Reference: p.ProviderPaymentID,
		Policy:    s.policies.ProviderCall,
		Fn: func(ctx context.Context, attempt int) error {
			r, err := gw.CreateRefund(ctx, req)
			if err != nil {
				return paymentgateway.ClassifyError(err)
			}
			res = r
			return nil
		},
	})
	if err != nil {
		s.logger.Error("provider refund failed",
			"payment_id", paymentID,
			"amount", in.Amount.String(),
			"correlation_id", correlationID,
			"error", err)
		return nil, false, err
	}

	refund := &payment.Refund{
		PaymentID:        paymentID,
		Amount:           in.Amount,
		Currency:         p.Currency,
		Status:           payment.StatusPending,
		Reason:           in.Reason,
		ProviderRefundID: res.ProviderRefundID,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		refund.IdempotencyKey = &key
	}

	now := s.now()
	if res.Status != payment.StatusPending && res.Status.IsValid() {
		if _, err := ApplyRefundTransition(refund, res.Status, now); err != nil {
			s.logger.Warn("unexpected provider refund status",
				"provider_refund_id", res.ProviderRefundID,
				"provider_status", res.Status,
				"correlation_id", correlationID)
		}
	}
	booked := refund.Status != payment.StatusFailed && refund.Status != payment.StatusCanceled

	var (
		parent *payment.Payment
		from   payment.Status
	)
	err = s.store.WithinTransaction(ctx, func(tx Store) error {
		locked, err := tx.Payments().LockByID(ctx, paymentID)
		if err != nil {
			return err
		}
		from = locked.Status

		if booked {
			if err := ApplyRefund(locked, in.Amount, payment.SourceDirect, now); err != nil {
				return err
			}
			if err := tx.Payments().Save(ctx, locked); err != nil {
				return err
			}
			if err := tx.Audit().LogTransition(ctx, &payment.TransitionLog{
				EntityType:    payment.EntityPayment,
				EntityID:      locked.ID,
				FromStatus:    from,
				ToStatus:      locked.Status,
				Source:        payment.SourceDirect,
				CorrelationID: correlationID,
			}); err != nil {
				return err
			}
		}

		if err := tx.Refunds().Create(ctx, refund); err != nil {
			return err
		}
		parent = locked
		return tx.Audit().LogTransition(ctx, &payment.TransitionLog{
			EntityType:    payment.EntityRefund,
			EntityID:      refund.ID,
			ToStatus:      refund.Status,
			Source:        payment.SourceDirect,
			CorrelationID: correlationID,
		})
	})
	if errors.Is(err, ErrAlreadyExists) && refund.IdempotencyKey != nil {
		existing, getErr := s.store.Refunds().GetByIdempotencyKey(ctx, *refund.IdempotencyKey)
		if getErr != nil {
			return nil, false, getErr
		}
		if err := sameRefundRequest(existing, paymentID, in.Amount); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		if booked && isBalanceError(err) {
			s.recordOrphanedRefund(ctx, p, refund, err)
		}
		s.logger.Error("failed to book refund",
			"payment_id", paymentID,
			"provider_refund_id", refund.ProviderRefundID,
			"correlation_id", correlationID,
			"error", err)
		return nil, false, err
	}

	s.logger.Info("refund created",
		"refund_id", refund.ID,
		"payment_id", paymentID,
		"amount", refund.Amount.String(),
		"status", refund.Status,
		"payment_status", parent.Status,
		"correlation_id", correlationID)

	if booked {
		publishStatusChanged(ctx, s.eventBus, parent, from, payment.SourceDirect)
	}
	if refund.Status == payment.StatusPending || refund.Status == payment.StatusProcessing {
		s.followRefund(ctx, gw, refund)
	}
	return refund, true, nil
}

func isBalanceError(err error) bool {
	return errors.Is(err, internal.ErrRefundExceedsBalance) || errors.Is(err, internal.ErrNotRefundable)
}

// recordOrphanedRefund flags a refund the provider accepted but the ledger
// could not book, so it surfaces for manual review.
func (s *Service) recordOrphanedRefund(ctx context.Context, p *payment.Payment, refund *payment.Refund, cause error) {
	d := &payment.Discrepancy{
		PaymentID:         p.ID,
		ProviderName:      p.ProviderName,
		ProviderPaymentID: p.ProviderPaymentID,
		Kind:              payment.DiscrepancyRefundOrphaned,
		LocalStatus:       p.Status,
		ProviderStatus:    refund.Status,
		Amount:            refund.Amount,
		Currency:          refund.Currency,
		Resolution:        "provider refund " + refund.ProviderRefundID + " not booked: " + cause.Error(),
		CorrelationID:     internal.CorrelationIDFromContext(ctx),
	}
	if err := s.store.Audit().CreateDiscrepancy(context.WithoutCancel(ctx), d); err != nil {
		s.logger.Error("failed to record orphaned refund",
			"payment_id", p.ID,
			"provider_refund_id", refund.ProviderRefundID,
			"correlation_id", d.CorrelationID,
			"error", err)
	}
}

// followRefund polls the provider until the refund settles, under the
// refund retry policy.
func (s *Service) followRefund(ctx context.Context, gw paymentgateway.Gateway, refund *payment.Refund) {
	refundID := refund.ID
	providerRefundID := refund.ProviderRefundID

	err := s.executor.Submit(ctx, retry.Task{
		Name:      "refund_status_sync",
		Reference: providerRefundID,
		Policy:    s.policies.Refund,
		Fn: func(ctx context.Context, attempt int) error {
			res, err := gw.GetRefundStatus(ctx, providerRefundID)
			if err != nil {
				return paymentgateway.ClassifyError(err)
			}
			if res.Status == payment.StatusPending || res.Status == payment.StatusProcessing {
				return ErrRefundPending
			}
			_, err = s.ApplyRefundStatus(ctx, refundID, res.Status, payment.SourceReconciliation)
			return err
		},
	})
	if err != nil {
		s.logger.Warn("could not schedule refund status sync",
			"refund_id", refundID,
			"correlation_id", internal.CorrelationIDFromContext(ctx),
			"error", err)
	}
}

// ApplyRefundStatus moves a refund along its lifecycle under the parent
// payment's lock.
func (s *Service) ApplyRefundStatus(ctx context.Context, refundID int64, status payment.Status, source payment.Source) (*payment.Refund, error) {
	ctx, correlationID := internal.EnsureCorrelationID(ctx)

	var result *payment.Refund
	err := s.store.WithinTransaction(ctx, func(tx Store) error {
		refund, err := tx.Refunds().GetByID(ctx, refundID)
		if err != nil {
			return err
		}
		parent, err := tx.Payments().LockByID(ctx, refund.PaymentID)
		if err != nil {
			return err
		}
		if _, err := refundTransitionLocked(ctx, tx, parent, refund, status, source, s.now()); err != nil {
			return err
		}
		result = refund
		return nil
	})
	if err != nil {
		s.logger.Warn("refund status update rejected",
			"refund_id", refundID,
			"requested_status", status,
			"correlation_id", correlationID,
			"error", err)
		return nil, err
	}
	return result, nil
}

// refundTransitionLocked applies status to refund while the caller holds
// the parent's lock. A booked refund that later fails does not give the
// balance back automatically; it is recorded as a discrepancy instead.
func refundTransitionLocked(ctx context.Context, tx Store, parent *payment.Payment, refund *payment.Refund, status payment.Status, source payment.Source, now time.Time) (bool, error) {
	from := refund.Status
	changed, err := ApplyRefundTransition(refund, status, now)
	if err != nil || !changed {
		return false, err
	}
	if err := tx.Refunds().Save(ctx, refund); err != nil {
		return false, err
	}
	correlationID := internal.CorrelationIDFromContext(ctx)
	if err := tx.Audit().LogTransition(ctx, &payment.TransitionLog{
		EntityType:    payment.EntityRefund,
		EntityID:      refund.ID,
		FromStatus:    from,
		ToStatus:      refund.Status,
		Source:        source,
		CorrelationID: correlationID,
	}); err != nil {
		return false, err
	}

	if refund.Status == payment.StatusFailed || refund.Status == payment.StatusCanceled {
		if err := tx.Audit().CreateDiscrepancy(ctx, &payment.Discrepancy{
			PaymentID:         parent.ID,
			ProviderName:      parent.ProviderName,
			ProviderPaymentID: parent.ProviderPaymentID,
			Kind:              payment.DiscrepancyRefundFailed,
			LocalStatus:       parent.Status,
			ProviderStatus:    refund.Status,
			Amount:            refund.Amount,
			Currency:          refund.Currency,
			AgeSeconds:        int64(now.Sub(refund.CreatedAt).Seconds()),
			Resolution:        "refund " + refund.ProviderRefundID + " failed after it was booked",
			CorrelationID:     correlationID,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}
