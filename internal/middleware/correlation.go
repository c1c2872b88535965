// Package middleware provides HTTP middleware for the orchestrator API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mafa-ai/mafa-core/internal/logger"
)

const headerCorrelationID = "X-Correlation-ID"

// CorrelationID extracts X-Correlation-ID from the request header or
// generates a new one. The ID flows through the context into every log line
// and bus event tied to the request.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}

		ctx := logger.WithCorrelationID(r.Context(), id)
		w.Header().Set(headerCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
