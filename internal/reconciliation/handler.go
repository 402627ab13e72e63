package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
	"github.com/frahmantamala/payment-ledger/internal/payment/postgres"
	"github.com/frahmantamala/payment-ledger/internal/transport"
)

type Runner interface {
	RunOnce(ctx context.Context, scope Scope, maxAge time.Duration, limit int) (*Result, error)
}

type DiscrepancyLister interface {
	ListDiscrepancies(ctx context.Context, f paymentpkg.DiscrepancyFilter) ([]*payment.Discrepancy, error)
}

type SummaryReader interface {
	DiscrepancySummary(ctx context.Context, since, until time.Time) ([]postgres.DiscrepancySummary, error)
}

type Handler struct {
	*transport.BaseHandler
	runner        Runner
	discrepancies DiscrepancyLister
	reports       SummaryReader
	logger        *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, runner Runner, discrepancies DiscrepancyLister, reports SummaryReader, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:   baseHandler,
		runner:        runner,
		discrepancies: discrepancies,
		reports:       reports,
		logger:        logger,
	}
}

type RunRequest struct {
	Provider              string `json:"provider,omitempty"`
	IncludeStaleSucceeded bool   `json:"include_stale_succeeded,omitempty"`
	MaxAge                string `json:"max_age,omitempty"`
	Limit                 int    `json:"limit,omitempty"`
}

// Run handles POST /api/v1/reconciliation/run
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	var maxAge time.Duration
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil || d < 0 {
			h.HandleError(w, internal.NewValidationFieldError("max_age", "must be a duration such as 30m or 2h", internal.ErrCodeValidationFailed))
			return
		}
		maxAge = d
	}
	if req.Limit < 0 {
		h.HandleError(w, internal.NewValidationFieldError("limit", "must not be negative", internal.ErrCodeValidationFailed))
		return
	}

	result, err := h.runner.RunOnce(r.Context(), Scope{
		Provider:              req.Provider,
		IncludeStaleSucceeded: req.IncludeStaleSucceeded,
	}, maxAge, req.Limit)
	if err != nil {
		h.logger.Error("Run: reconciliation failed", "error", err)
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}

// ListDiscrepancies handles GET /api/v1/reconciliation/discrepancies
func (h *Handler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := paymentpkg.DiscrepancyFilter{
		RunID:        q.Get("run_id"),
		ProviderName: q.Get("provider"),
		Limit:        100,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.HandleError(w, internal.NewValidationFieldError("since", "must be an RFC3339 timestamp", internal.ErrCodeValidationFailed))
			return
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			h.HandleError(w, internal.NewValidationFieldError("limit", "must be between 1 and 1000", internal.ErrCodeValidationFailed))
			return
		}
		filter.Limit = limit
	}

	found, err := h.discrepancies.ListDiscrepancies(r.Context(), filter)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": found})
}

// Summary handles GET /api/v1/reconciliation/discrepancies/summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.HandleError(w, internal.NewNotFoundError("discrepancy summary is not available", "REPORT_UNAVAILABLE"))
		return
	}

	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	q := r.URL.Query()
	for name, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.HandleError(w, internal.NewValidationFieldError(name, "must be an RFC3339 timestamp", internal.ErrCodeValidationFailed))
			return
		}
		*dst = t
	}

	rows, err := h.reports.DiscrepancySummary(r.Context(), since, until)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"since": since,
		"until": until,
		"data":  rows,
	})
}
