package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sourcegraph-sync/cdcengine/internal/auth"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

// CorrelationMiddleware assigns (or propagates) a correlation id for every
// request, stashing it in context and the response header, and attaching it
// to every log line emitted for the request.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation id assigned by
// CorrelationMiddleware, or the empty string if none is set.
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// RequireBearerAuth validates the Authorization header's bearer token
// against cfg and stashes the resolved subject as the request's tenant id.
// Every operator route runs behind this middleware.
func RequireBearerAuth(cfg auth.JWTCfg) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}

			subject, _, err := auth.ValidateToken(token, cfg)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), auth.TenantIDKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
