package paymentgateway

import (
	"context"
	"errors"
	"net"

	"github.com/frahmantamala/payment-ledger/internal"
	gatewaytypes "github.com/frahmantamala/payment-ledger/internal/core/datamodel/paymentgateway"
)

// Gateway is the contract every external payment processor implements.
// Calls are network-bound: implementations return errors already classified
// as transient (timeout, unavailable) or fatal (rejected) AppErrors.
type Gateway interface {
	Name() string
	CreatePayment(ctx context.Context, req *gatewaytypes.CreatePaymentRequest) (*gatewaytypes.PaymentResult, error)
	GetPaymentStatus(ctx context.Context, providerPaymentID string) (*gatewaytypes.PaymentResult, error)
	CancelPayment(ctx context.Context, providerPaymentID string) (*gatewaytypes.PaymentResult, error)
	CreateRefund(ctx context.Context, req *gatewaytypes.RefundRequest) (*gatewaytypes.RefundResult, error)
	GetRefundStatus(ctx context.Context, providerRefundID string) (*gatewaytypes.RefundResult, error)
	ValidateWebhook(payload []byte, signature string) bool
	ParseWebhook(payload []byte) (*gatewaytypes.NormalizedEvent, error)
}

// ClassifyError maps transport-level failures onto the retry taxonomy.
// Errors that are already AppErrors pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return internal.ErrProviderTimeout.WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return internal.NewInternalError("provider call canceled", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return internal.ErrProviderTimeout.WithCause(err)
	}
	return internal.ErrProviderUnavailable.WithCause(err)
}
