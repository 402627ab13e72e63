package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	PaymentService ServiceAPI
	Logger         *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, paymentService ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    baseHandler,
		PaymentService: paymentService,
		Logger:         logger,
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreatePayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}
	if idemKey := r.Header.Get("Idempotency-Key"); idemKey != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = idemKey
	}

	if err := req.Validate(); err != nil {
		h.Logger.Warn("CreatePayment: validation error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	p, created, err := h.PaymentService.CreatePayment(r.Context(), req.ToInput())
	if err != nil {
		h.Logger.Error("CreatePayment: service error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.WriteJSON(w, status, NewPaymentResponse(p))
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := h.PathID(r, "id")
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.PaymentService.GetPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, NewPaymentResponse(p))
}

// CancelPayment handles POST /api/v1/payments/{id}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := h.PathID(r, "id")
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.PaymentService.CancelPayment(r.Context(), id)
	if err != nil {
		h.Logger.Error("CancelPayment: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, NewPaymentResponse(p))
}

// CreateRefund handles POST /api/v1/payments/{id}/refunds
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	id, err := h.PathID(r, "id")
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	var req CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreateRefund: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}
	if idemKey := r.Header.Get("Idempotency-Key"); idemKey != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = idemKey
	}

	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	refund, created, err := h.PaymentService.CreateRefund(r.Context(), id, CreateRefundInput{
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.Logger.Error("CreateRefund: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.WriteJSON(w, status, NewRefundResponse(refund))
}

// ListRefunds handles GET /api/v1/payments/{id}/refunds
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	id, err := h.PathID(r, "id")
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	refunds, err := h.PaymentService.ListRefunds(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	resp := make([]RefundResponse, 0, len(refunds))
	for _, refund := range refunds {
		resp = append(resp, NewRefundResponse(refund))
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": resp})
}
