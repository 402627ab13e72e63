package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-ledger/internal/paymentgateway"
	"github.com/frahmantamala/payment-ledger/pkg/logger"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Provider event tools",
	Long:  `Simulate provider notifications against a running server`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type] [provider-payment-id]",
	Short: "Send a signed memory-provider webhook",
	Long:  `Build a memory provider webhook (payment.succeeded, refund.failed, ...), sign it with the configured secret and POST it to the server`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishWebhook(args[0], args[1])
	},
}

var (
	eventID       string
	eventRefundID string
	eventAmount   string
	eventCurrency string
	eventURL      string
)

func publishWebhook(eventType, providerPaymentID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	lg := logger.LoggerWrapper()

	provider, ok := cfg.Payment.Providers[paymentgateway.ProviderMemory]
	if !ok || provider.WebhookSecret == "" {
		return fmt.Errorf("memory provider is not configured with a webhook secret")
	}

	amount, err := decimal.NewFromString(eventAmount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", eventAmount, err)
	}

	if eventID == "" {
		eventID = "evt_" + uuid.NewString()
	}
	body := paymentgateway.NewMemoryWebhook(eventID, eventType, paymentgateway.MemoryWebhookData{
		PaymentID: providerPaymentID,
		RefundID:  eventRefundID,
		Amount:    amount,
		Currency:  eventCurrency,
	})
	signature := paymentgateway.SignMemoryPayload([]byte(provider.WebhookSecret), body)

	url := eventURL
	if url == "" {
		url = fmt.Sprintf("http://localhost:%d/api/v1/webhooks/%s", cfg.Server.Port, paymentgateway.ProviderMemory)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	lg.Info("webhook sent",
		"event_id", eventID,
		"event_type", eventType,
		"status_code", resp.StatusCode,
		"response", string(respBody))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server answered %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func init() {
	publishEventCmd.Flags().StringVar(&eventID, "id", "", "Provider event id (random when empty; reuse one to test redelivery)")
	publishEventCmd.Flags().StringVar(&eventRefundID, "refund-id", "", "Provider refund id for refund.* events")
	publishEventCmd.Flags().StringVar(&eventAmount, "amount", "0", "Amount carried by the event")
	publishEventCmd.Flags().StringVar(&eventCurrency, "currency", "USD", "Currency carried by the event")
	publishEventCmd.Flags().StringVar(&eventURL, "url", "", "Webhook endpoint (defaults to the local server)")

	eventCmd.AddCommand(publishEventCmd)

	rootCmd.AddCommand(eventCmd)
}
