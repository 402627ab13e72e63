package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/payment-ledger/internal"
)

// DiscrepancySummary is one row of the settlement report: discrepancies
// grouped by provider and the (local, provider) status pair.
type DiscrepancySummary struct {
	ProviderName   string          `db:"provider_name" json:"provider_name"`
	LocalStatus    string          `db:"local_status" json:"local_status"`
	ProviderStatus string          `db:"provider_status" json:"provider_status"`
	Total          int64           `db:"total" json:"total"`
	AutoCorrected  int64           `db:"auto_corrected" json:"auto_corrected"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
}

type ReportRepository struct {
	db *sqlx.DB
}

func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

const discrepancySummaryQuery = `
SELECT provider_name,
       local_status,
       COALESCE(provider_status, '') AS provider_status,
       COUNT(*) AS total,
       SUM(CASE WHEN auto_corrected THEN 1 ELSE 0 END) AS auto_corrected,
       COALESCE(SUM(amount), 0) AS amount
FROM discrepancies
WHERE created_at >= ? AND created_at < ?
GROUP BY provider_name, local_status, provider_status
ORDER BY provider_name, local_status, provider_status`

func (r *ReportRepository) DiscrepancySummary(ctx context.Context, since, until time.Time) ([]DiscrepancySummary, error) {
	rows := []DiscrepancySummary{}
	query := r.db.Rebind(discrepancySummaryQuery)
	if err := r.db.SelectContext(ctx, &rows, query, since.UTC(), until.UTC()); err != nil {
		return nil, internal.NewInternalError("failed to build discrepancy summary", err)
	}
	return rows, nil
}
