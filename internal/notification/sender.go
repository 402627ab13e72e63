package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/frahmantamala/payment-ledger/internal"
)

const ErrCodeDeliveryFailed internal.ErrorCode = "NOTIFICATION_DELIVERY_FAILED"

// Confirmation is the body posted downstream when a payment settles.
type Confirmation struct {
	EventID           string    `json:"event_id"`
	EventType         string    `json:"event_type"`
	PaymentID         int64     `json:"payment_id"`
	ProviderName      string    `json:"provider"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	Status            string    `json:"status"`
	PreviousStatus    string    `json:"previous_status,omitempty"`
	Amount            string    `json:"amount"`
	TotalRefunded     string    `json:"total_refunded"`
	Currency          string    `json:"currency"`
	Source            string    `json:"source"`
	CorrelationID     string    `json:"correlation_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type Sender interface {
	Send(ctx context.Context, c *Confirmation) error
}

// HTTPSender posts confirmations as JSON. Network failures, 429 and 5xx
// answers are transient; any other non-2xx answer is fatal.
type HTTPSender struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSender(url string, timeout time.Duration, logger *slog.Logger) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *HTTPSender) Send(ctx context.Context, c *Confirmation) error {
	jsonData, err := json.Marshal(c)
	if err != nil {
		return internal.NewInternalError("failed to marshal confirmation", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return internal.NewInternalError("failed to create confirmation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", c.EventID)
	if c.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", c.CorrelationID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return internal.NewTransientError("confirmation request failed", ErrCodeDeliveryFailed).WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.logger.Info("confirmation delivered",
			"payment_id", c.PaymentID,
			"event_type", c.EventType,
			"status_code", resp.StatusCode,
			"correlation_id", c.CorrelationID)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return internal.NewTransientError(fmt.Sprintf("confirmation endpoint returned status %d", resp.StatusCode), ErrCodeDeliveryFailed)
	default:
		return internal.NewExternalError(fmt.Sprintf("confirmation endpoint rejected delivery with status %d", resp.StatusCode), ErrCodeDeliveryFailed)
	}
}

// LogSender only logs confirmations; used when no endpoint is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, c *Confirmation) error {
	s.logger.Info("payment confirmation",
		"payment_id", c.PaymentID,
		"event_type", c.EventType,
		"status", c.Status,
		"amount", c.Amount,
		"currency", c.Currency,
		"correlation_id", c.CorrelationID)
	return nil
}

// NewSender picks the HTTP sender when cfg names an endpoint.
func NewSender(cfg internal.NotificationConfig, logger *slog.Logger) Sender {
	if cfg.URL == "" {
		return NewLogSender(logger)
	}
	return NewHTTPSender(cfg.URL, cfg.Timeout, logger)
}
