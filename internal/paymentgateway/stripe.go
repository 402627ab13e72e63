package paymentgateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/payment-ledger/internal/core/datamodel/paymentgateway"
)

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	// BackendURL overrides the Stripe API host.
	BackendURL string
}

// StripeGateway covers payment intents and refunds. Network retries are
// disabled in the client because the retry executor owns that decision.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	logger        *slog.Logger
}

func NewStripeGateway(cfg StripeConfig, logger *slog.Logger) *StripeGateway {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BackendURL != "" {
		backendConfig.URL = stripe.String(cfg.BackendURL)
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}

	return &StripeGateway{
		api:           client.New(cfg.APIKey, backends),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}
}

func (s *StripeGateway) Name() string {
	return ProviderStripe
}

func (s *StripeGateway) CreatePayment(ctx context.Context, req *gatewaytypes.CreatePaymentRequest) (*gatewaytypes.PaymentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, internal.ErrProviderRejected.WithMessage(err.Error())
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.PaymentMethod != "" {
		params.PaymentMethodTypes = stripe.StringSlice([]string{req.PaymentMethod})
	}
	if req.CustomerRef != "" {
		params.AddMetadata("customer_ref", req.CustomerRef)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		s.logger.Warn("stripe: create payment intent failed", "error", err)
		return nil, classifyStripeError(err)
	}
	return paymentIntentResult(pi), nil
}

func (s *StripeGateway) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*gatewaytypes.PaymentResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(providerPaymentID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return paymentIntentResult(pi), nil
}

func (s *StripeGateway) CancelPayment(ctx context.Context, providerPaymentID string) (*gatewaytypes.PaymentResult, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Cancel(providerPaymentID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return paymentIntentResult(pi), nil
}

func (s *StripeGateway) CreateRefund(ctx context.Context, req *gatewaytypes.RefundRequest) (*gatewaytypes.RefundResult, error) {
	if err := req.Validate(); err != nil {
		return nil, internal.ErrProviderRejected.WithMessage(err.Error())
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderPaymentID),
		Amount:        stripe.Int64(toMinorUnits(req.Amount)),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		s.logger.Warn("stripe: create refund failed", "provider_payment_id", req.ProviderPaymentID, "error", err)
		return nil, classifyStripeError(err)
	}
	return stripeRefundResult(r), nil
}

func (s *StripeGateway) GetRefundStatus(ctx context.Context, providerRefundID string) (*gatewaytypes.RefundResult, error) {
	params := &stripe.RefundParams{}
	params.Context = ctx

	r, err := s.api.Refunds.Get(providerRefundID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return stripeRefundResult(r), nil
}

func (s *StripeGateway) ValidateWebhook(payload []byte, signature string) bool {
	if s.webhookSecret == "" || signature == "" {
		return false
	}
	if err := webhook.ValidatePayload(payload, signature, s.webhookSecret); err != nil {
		s.logger.Debug("stripe: webhook signature rejected", "error", err)
		return false
	}
	return true
}

func (s *StripeGateway) ParseWebhook(payload []byte) (*gatewaytypes.NormalizedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, internal.ErrMalformedPayload.WithCause(err)
	}
	if event.Data == nil {
		return nil, internal.ErrMalformedPayload.WithMessage("stripe event has no data object")
	}

	normalized := &gatewaytypes.NormalizedEvent{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Kind:            gatewaytypes.EventKindIgnored,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
		RawData:         payload,
	}

	switch eventType := string(event.Type); {
	case strings.HasPrefix(eventType, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, internal.ErrMalformedPayload.WithCause(err)
		}
		normalized.ProviderPaymentID = pi.ID
		normalized.Amount = fromMinorUnits(pi.Amount)
		normalized.Currency = strings.ToUpper(string(pi.Currency))
		if status, ok := stripeIntentEventStatus(eventType); ok {
			normalized.Kind = gatewaytypes.EventKindPayment
			normalized.ResultingStatus = status
		}

	case eventType == "refund.created" || eventType == "refund.updated" || eventType == "charge.refund.updated":
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, internal.ErrMalformedPayload.WithCause(err)
		}
		normalized.Kind = gatewaytypes.EventKindRefund
		normalized.ProviderRefundID = r.ID
		normalized.Amount = fromMinorUnits(r.Amount)
		normalized.Currency = strings.ToUpper(string(r.Currency))
		normalized.ResultingStatus = stripeRefundStatus(r.Status)
		if r.PaymentIntent != nil {
			normalized.ProviderPaymentID = r.PaymentIntent.ID
		}

	case eventType == "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, internal.ErrMalformedPayload.WithCause(err)
		}
		// Parent refund status is derived from ledger refunds, so this only counts as a receipt.
		if ch.PaymentIntent != nil {
			normalized.ProviderPaymentID = ch.PaymentIntent.ID
		}
		normalized.Amount = fromMinorUnits(ch.AmountRefunded)
		normalized.Currency = strings.ToUpper(string(ch.Currency))
	}

	if err := normalized.Validate(); err != nil {
		return nil, internal.ErrMalformedPayload.WithMessage(err.Error())
	}
	return normalized, nil
}

func stripeIntentEventStatus(eventType string) (payment.Status, bool) {
	switch eventType {
	case "payment_intent.created", "payment_intent.requires_action":
		return payment.StatusPending, true
	case "payment_intent.processing", "payment_intent.amount_capturable_updated":
		return payment.StatusProcessing, true
	case "payment_intent.succeeded":
		return payment.StatusSucceeded, true
	case "payment_intent.payment_failed":
		return payment.StatusFailed, true
	case "payment_intent.canceled":
		return payment.StatusCanceled, true
	}
	return "", false
}

func stripeIntentStatus(status stripe.PaymentIntentStatus) payment.Status {
	switch status {
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return payment.StatusProcessing
	case stripe.PaymentIntentStatusSucceeded:
		return payment.StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return payment.StatusCanceled
	default:
		return payment.StatusPending
	}
}

func stripeRefundStatus(status stripe.RefundStatus) payment.Status {
	switch status {
	case stripe.RefundStatusSucceeded:
		return payment.StatusSucceeded
	case stripe.RefundStatusFailed:
		return payment.StatusFailed
	case stripe.RefundStatusCanceled:
		return payment.StatusCanceled
	default:
		return payment.StatusPending
	}
}

func paymentIntentResult(pi *stripe.PaymentIntent) *gatewaytypes.PaymentResult {
	data := map[string]interface{}{"stripe_status": string(pi.Status)}
	for k, v := range pi.Metadata {
		data[k] = v
	}
	return &gatewaytypes.PaymentResult{
		ProviderPaymentID: pi.ID,
		Status:            stripeIntentStatus(pi.Status),
		Amount:            fromMinorUnits(pi.Amount),
		Currency:          strings.ToUpper(string(pi.Currency)),
		ProviderData:      data,
	}
}

func stripeRefundResult(r *stripe.Refund) *gatewaytypes.RefundResult {
	result := &gatewaytypes.RefundResult{
		ProviderRefundID: r.ID,
		Status:           stripeRefundStatus(r.Status),
		Amount:           fromMinorUnits(r.Amount),
	}
	if r.PaymentIntent != nil {
		result.ProviderPaymentID = r.PaymentIntent.ID
	}
	return result
}

// classifyStripeError treats rate limits and 5xx as transient; every other
// API error is a rejection that retrying will not fix.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return ClassifyError(err)
	}
	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return internal.ErrProviderUnavailable.WithCause(err)
	default:
		return internal.ErrProviderRejected.WithMessage(stripeErr.Msg).WithCause(err)
	}
}

// Amounts are exchanged with Stripe in minor units of two-decimal currencies.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
