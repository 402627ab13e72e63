package paymentgateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	gatewaytypes "github.com/frahmantamala/payment-ledger/internal/core/datamodel/paymentgateway"
)

type memoryPayment struct {
	id       string
	status   payment.Status
	amount   decimal.Decimal
	refunded decimal.Decimal
	currency string
	metadata map[string]string
}

type memoryRefund struct {
	id        string
	paymentID string
	status    payment.Status
	amount    decimal.Decimal
}

// MemoryGateway is a fully functional provider kept in process memory.
// Webhooks are JSON documents signed with hex HMAC-SHA256 over the body.
type MemoryGateway struct {
	name   string
	secret []byte
	logger *slog.Logger

	mu            sync.Mutex
	payments      map[string]*memoryPayment
	refunds       map[string]*memoryRefund
	idempotency   map[string]string
	failures      []error
	calls         map[string]int
	latency       time.Duration
	initialStatus payment.Status
	refundStatus  payment.Status
}

func NewMemoryGateway(name, webhookSecret string, logger *slog.Logger) *MemoryGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryGateway{
		name:          name,
		secret:        []byte(webhookSecret),
		logger:        logger,
		payments:      make(map[string]*memoryPayment),
		refunds:       make(map[string]*memoryRefund),
		idempotency:   make(map[string]string),
		calls:         make(map[string]int),
		initialStatus: payment.StatusPending,
		refundStatus:  payment.StatusSucceeded,
	}
}

func (g *MemoryGateway) Name() string {
	return g.name
}

// SetPaymentStatus overrides the provider-side status of a payment.
func (g *MemoryGateway) SetPaymentStatus(providerPaymentID string, status payment.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[providerPaymentID]
	if !ok {
		return internal.ErrProviderRejected.WithMessage("unknown provider payment " + providerPaymentID)
	}
	p.status = status
	return nil
}

// AddPayment registers a provider-side payment created outside this gateway.
func (g *MemoryGateway) AddPayment(providerPaymentID string, amount decimal.Decimal, currency string, status payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.payments[providerPaymentID] = &memoryPayment{
		id:       providerPaymentID,
		status:   status,
		amount:   amount,
		refunded: decimal.Zero,
		currency: strings.ToUpper(currency),
	}
}

// SettleRefund overrides the provider-side status of a refund.
func (g *MemoryGateway) SettleRefund(providerRefundID string, status payment.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.refunds[providerRefundID]
	if !ok {
		return internal.ErrProviderRejected.WithMessage("unknown provider refund " + providerRefundID)
	}
	r.status = status
	return nil
}

// FailNext queues errors returned, in order, by the next gateway calls.
func (g *MemoryGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, errs...)
}

func (g *MemoryGateway) SetLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latency = d
}

func (g *MemoryGateway) SetInitialStatus(status payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initialStatus = status
}

func (g *MemoryGateway) SetRefundStatus(status payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundStatus = status
}

// Calls reports how many times op was invoked.
func (g *MemoryGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// begin records the call, waits out simulated latency and pops a queued failure.
func (g *MemoryGateway) begin(ctx context.Context, op string) error {
	g.mu.Lock()
	g.calls[op]++
	latency := g.latency
	var queued error
	if len(g.failures) > 0 {
		queued = g.failures[0]
		g.failures = g.failures[1:]
	}
	g.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ClassifyError(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return ClassifyError(err)
	}
	if queued != nil {
		return ClassifyError(queued)
	}
	return nil
}

func (g *MemoryGateway) CreatePayment(ctx context.Context, req *gatewaytypes.CreatePaymentRequest) (*gatewaytypes.PaymentResult, error) {
	if err := g.begin(ctx, "create_payment"); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, internal.ErrProviderRejected.WithMessage(err.Error())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := g.idempotency["payment:"+req.IdempotencyKey]; ok {
			return g.paymentResult(g.payments[id]), nil
		}
	}

	p := &memoryPayment{
		id:       "mem_pay_" + uuid.NewString(),
		status:   g.initialStatus,
		amount:   req.Amount,
		refunded: decimal.Zero,
		currency: strings.ToUpper(req.Currency),
		metadata: req.Metadata,
	}
	g.payments[p.id] = p
	if req.IdempotencyKey != "" {
		g.idempotency["payment:"+req.IdempotencyKey] = p.id
	}

	g.logger.Debug("memory gateway: payment created", "provider_payment_id", p.id, "amount", p.amount.String())
	return g.paymentResult(p), nil
}

func (g *MemoryGateway) GetPaymentStatus(ctx context.Context, providerPaymentID string) (*gatewaytypes.PaymentResult, error) {
	if err := g.begin(ctx, "get_payment_status"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[providerPaymentID]
	if !ok {
		return nil, internal.ErrProviderRejected.WithMessage("unknown provider payment " + providerPaymentID)
	}
	return g.paymentResult(p), nil
}

func (g *MemoryGateway) CancelPayment(ctx context.Context, providerPaymentID string) (*gatewaytypes.PaymentResult, error) {
	if err := g.begin(ctx, "cancel_payment"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.payments[providerPaymentID]
	if !ok {
		return nil, internal.ErrProviderRejected.WithMessage("unknown provider payment " + providerPaymentID)
	}
	switch p.status {
	case payment.StatusPending, payment.StatusProcessing:
		p.status = payment.StatusCanceled
	case payment.StatusCanceled:
	default:
		return nil, internal.ErrProviderRejected.WithMessage("payment cannot be canceled in status " + p.status.String())
	}
	return g.paymentResult(p), nil
}

func (g *MemoryGateway) CreateRefund(ctx context.Context, req *gatewaytypes.RefundRequest) (*gatewaytypes.RefundResult, error) {
	if err := g.begin(ctx, "create_refund"); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, internal.ErrProviderRejected.WithMessage(err.Error())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := g.idempotency["refund:"+req.IdempotencyKey]; ok {
			return refundResult(g.refunds[id]), nil
		}
	}

	p, ok := g.payments[req.ProviderPaymentID]
	if !ok {
		return nil, internal.ErrProviderRejected.WithMessage("unknown provider payment " + req.ProviderPaymentID)
	}
	if !p.status.IsRefundable() {
		return nil, internal.ErrProviderRejected.WithMessage("payment is not refundable at the provider")
	}
	if p.refunded.Add(req.Amount).GreaterThan(p.amount) {
		return nil, internal.ErrProviderRejected.WithMessage("refund exceeds captured amount")
	}

	r := &memoryRefund{
		id:        "mem_ref_" + uuid.NewString(),
		paymentID: p.id,
		status:    g.refundStatus,
		amount:    req.Amount,
	}
	g.refunds[r.id] = r
	if req.IdempotencyKey != "" {
		g.idempotency["refund:"+req.IdempotencyKey] = r.id
	}

	if r.status != payment.StatusFailed && r.status != payment.StatusCanceled {
		p.refunded = p.refunded.Add(req.Amount)
		if p.refunded.Equal(p.amount) {
			p.status = payment.StatusRefunded
		} else {
			p.status = payment.StatusPartiallyRefunded
		}
	}

	return refundResult(r), nil
}

func (g *MemoryGateway) GetRefundStatus(ctx context.Context, providerRefundID string) (*gatewaytypes.RefundResult, error) {
	if err := g.begin(ctx, "get_refund_status"); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.refunds[providerRefundID]
	if !ok {
		return nil, internal.ErrProviderRejected.WithMessage("unknown provider refund " + providerRefundID)
	}
	return refundResult(r), nil
}

// Sign returns the signature header value the provider would send with payload.
func (g *MemoryGateway) Sign(payload []byte) string {
	return SignMemoryPayload(g.secret, payload)
}

func SignMemoryPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *MemoryGateway) ValidateWebhook(payload []byte, signature string) bool {
	if len(g.secret) == 0 || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// MemoryWebhook is the wire format of memory provider notifications.
type MemoryWebhook struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Data      MemoryWebhookData `json:"data"`
}

type MemoryWebhookData struct {
	PaymentID string          `json:"payment_id"`
	RefundID  string          `json:"refund_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
}

var memoryEventStatuses = map[string]payment.Status{
	"payment.pending":    payment.StatusPending,
	"payment.processing": payment.StatusProcessing,
	"payment.succeeded":  payment.StatusSucceeded,
	"payment.failed":     payment.StatusFailed,
	"payment.canceled":   payment.StatusCanceled,
	"refund.pending":     payment.StatusPending,
	"refund.succeeded":   payment.StatusSucceeded,
	"refund.failed":      payment.StatusFailed,
}

func (g *MemoryGateway) ParseWebhook(payload []byte) (*gatewaytypes.NormalizedEvent, error) {
	var hook MemoryWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, internal.ErrMalformedPayload.WithCause(err)
	}

	event := &gatewaytypes.NormalizedEvent{
		ProviderEventID:   hook.ID,
		EventType:         hook.Type,
		ProviderPaymentID: hook.Data.PaymentID,
		ProviderRefundID:  hook.Data.RefundID,
		Amount:            hook.Data.Amount,
		Currency:          strings.ToUpper(hook.Data.Currency),
		OccurredAt:        hook.CreatedAt,
		RawData:           payload,
	}

	status, known := memoryEventStatuses[hook.Type]
	if !known && hook.Data.Status != "" {
		status, known = payment.ParseStatus(hook.Data.Status)
	}

	switch {
	case !known:
		event.Kind = gatewaytypes.EventKindIgnored
	case strings.HasPrefix(hook.Type, "refund."):
		event.Kind = gatewaytypes.EventKindRefund
		event.ResultingStatus = status
	default:
		event.Kind = gatewaytypes.EventKindPayment
		event.ResultingStatus = status
	}

	if err := event.Validate(); err != nil {
		return nil, internal.ErrMalformedPayload.WithMessage(err.Error())
	}
	return event, nil
}

// NewMemoryWebhook builds a webhook body for the memory provider.
func NewMemoryWebhook(eventID, eventType string, data MemoryWebhookData) []byte {
	body, _ := json.Marshal(MemoryWebhook{
		ID:        eventID,
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	})
	return body
}

func (g *MemoryGateway) paymentResult(p *memoryPayment) *gatewaytypes.PaymentResult {
	data := map[string]interface{}{"refunded": p.refunded.String()}
	for k, v := range p.metadata {
		data[k] = v
	}
	return &gatewaytypes.PaymentResult{
		ProviderPaymentID: p.id,
		Status:            p.status,
		Amount:            p.amount,
		Currency:          p.currency,
		ProviderData:      data,
	}
}

func refundResult(r *memoryRefund) *gatewaytypes.RefundResult {
	return &gatewaytypes.RefundResult{
		ProviderRefundID:  r.id,
		ProviderPaymentID: r.paymentID,
		Status:            r.status,
		Amount:            r.amount,
	}
}
