package payment

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
)

// paymentTransitions is the legal-transition table for payments. Providers
// may skip PROCESSING, so PENDING reaches the outcome states directly.
var paymentTransitions = map[payment.Status][]payment.Status{
	payment.StatusPending: {
		payment.StatusProcessing,
		payment.StatusSucceeded,
		payment.StatusFailed,
		payment.StatusCanceled,
	},
	payment.StatusProcessing: {
		payment.StatusSucceeded,
		payment.StatusFailed,
		payment.StatusCanceled,
	},
	payment.StatusSucceeded: {
		payment.StatusRefunded,
		payment.StatusPartiallyRefunded,
	},
	payment.StatusPartiallyRefunded: {
		payment.StatusPartiallyRefunded,
		payment.StatusRefunded,
	},
}

var refundTransitions = map[payment.Status][]payment.Status{
	payment.StatusPending: {
		payment.StatusProcessing,
		payment.StatusSucceeded,
		payment.StatusFailed,
		payment.StatusCanceled,
	},
	payment.StatusProcessing: {
		payment.StatusSucceeded,
		payment.StatusFailed,
		payment.StatusCanceled,
	},
}

func allowed(table map[payment.Status][]payment.Status, from, to payment.Status) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to payment.Status) bool {
	return allowed(paymentTransitions, from, to)
}

func CanTransitionRefund(from, to payment.Status) bool {
	return allowed(refundTransitions, from, to)
}

// IsRefundDerived reports statuses that only refund application may produce.
func IsRefundDerived(s payment.Status) bool {
	return s == payment.StatusRefunded || s == payment.StatusPartiallyRefunded
}

func invalidTransition(from, to payment.Status) error {
	return internal.ErrInvalidTransition.WithDetails(map[string]string{
		"from": string(from),
		"to":   string(to),
	})
}

// ApplyTransition moves p to requested. Requesting the current status is a
// successful no-op (changed is false). On error p is left untouched.
func ApplyTransition(p *payment.Payment, requested payment.Status, source payment.Source, now time.Time) (bool, error) {
	if !requested.IsValid() {
		return false, invalidTransition(p.Status, requested)
	}
	if p.Status == requested {
		return false, nil
	}
	if IsRefundDerived(requested) || !CanTransition(p.Status, requested) {
		return false, invalidTransition(p.Status, requested)
	}

	p.Status = requested
	p.LastTransitionSource = source
	stampStatus(p, now)
	return true, nil
}

// ApplyRefund books amount against p and derives REFUNDED or
// PARTIALLY_REFUNDED from the cumulative refunded total.
func ApplyRefund(p *payment.Payment, amount decimal.Decimal, source payment.Source, now time.Time) error {
	if !amount.IsPositive() {
		return internal.NewValidationFieldError("amount", "refund amount must be greater than 0", internal.ErrCodeInvalidAmount)
	}
	if !p.Status.IsRefundable() {
		return internal.ErrNotRefundable.WithDetails(map[string]string{"status": string(p.Status)})
	}
	remaining := p.RemainingRefundable()
	if amount.GreaterThan(remaining) {
		return internal.ErrRefundExceedsBalance.WithDetails(map[string]string{
			"requested": amount.StringFixed(2),
			"remaining": remaining.StringFixed(2),
		})
	}

	total := p.TotalRefunded.Add(amount)
	next := payment.StatusPartiallyRefunded
	if total.Equal(p.Amount) {
		next = payment.StatusRefunded
	}
	if !CanTransition(p.Status, next) {
		return invalidTransition(p.Status, next)
	}

	p.TotalRefunded = total
	p.Status = next
	p.LastTransitionSource = source
	stampStatus(p, now)
	return nil
}

// ApplyRefundTransition advances a refund along its own lifecycle.
func ApplyRefundTransition(r *payment.Refund, requested payment.Status, now time.Time) (bool, error) {
	if r.Status == requested {
		return false, nil
	}
	if !CanTransitionRefund(r.Status, requested) {
		return false, invalidTransition(r.Status, requested)
	}

	r.Status = requested
	switch requested {
	case payment.StatusSucceeded:
		if r.SucceededAt == nil {
			r.SucceededAt = &now
		}
	case payment.StatusFailed, payment.StatusCanceled:
		if r.FailedAt == nil {
			r.FailedAt = &now
		}
	}
	return true, nil
}

// stampStatus sets the timestamp for p's current status unless one is already set.
func stampStatus(p *payment.Payment, now time.Time) {
	switch p.Status {
	case payment.StatusSucceeded:
		if p.PaidAt == nil {
			p.PaidAt = &now
		}
	case payment.StatusFailed:
		if p.FailedAt == nil {
			p.FailedAt = &now
		}
	case payment.StatusCanceled:
		if p.CanceledAt == nil {
			p.CanceledAt = &now
		}
	case payment.StatusRefunded:
		if p.RefundedAt == nil {
			p.RefundedAt = &now
		}
	}
}
