package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/pkg/logger"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderTraceID       = "X-Trace-ID"
)

// CorrelationID accepts X-Correlation-ID (or the older X-Trace-ID) from the
// caller, generating one when absent, and carries it on the request context,
// the context logger and the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = r.Header.Get(HeaderTraceID)
		}
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		ctx := internal.ContextWithCorrelationID(r.Context(), correlationID)
		ctx = logger.With(ctx, "correlation_id", correlationID)

		w.Header().Set(HeaderCorrelationID, correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
