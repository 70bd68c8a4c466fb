// Package httpapi is the operator-facing HTTP surface: health checks,
// triggering backfills, ingesting webhooks, and reading sync state. It is
// not a public API for the synced data itself — every synced-object table
// is read directly from Postgres by whatever BI/application layer consumes
// it.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/sourcegraph-sync/cdcengine/internal/auth"
	"github.com/sourcegraph-sync/cdcengine/internal/backfill"
	"github.com/sourcegraph-sync/cdcengine/internal/registry"
	"github.com/sourcegraph-sync/cdcengine/internal/runstate"
	"github.com/sourcegraph-sync/cdcengine/internal/storage"
	"github.com/sourcegraph-sync/cdcengine/internal/webhookapplier"
)

// Server holds every dependency the operator HTTP handlers need.
type Server struct {
	DB            *storage.Pool
	Registry      *registry.Registry
	Runs          *runstate.Store
	Orchestrator  *backfill.Orchestrator
	Webhooks      *webhookapplier.Applier
	JWTCfg        auth.JWTCfg
	WebhookSecret string
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode json response")
	}
}

// errorResponse is the standardized error body, carrying the request's
// correlation id so operators can match a failure to a log line.
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message, CorrelationID: GetCorrelationID(r.Context())})
}

func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes builds the full chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	corsMiddleware := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Sync-Webhook-Signature"},
	})
	r.Use(corsMiddleware.Handler)

	r.Get("/healthz", s.Healthz)

	// Webhook ingestion authenticates via its own HMAC signature, not a
	// bearer token — the sender is the remote provider, not an operator.
	r.Post("/v1/webhook/{account_id}", s.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(RequireBearerAuth(s.JWTCfg))

		r.Post("/v1/backfill/{account_id}", s.TriggerBackfill)
		r.Get("/v1/sync/state/{account_id}", s.SyncState)
		r.Delete("/v1/sync/accounts/{account_id}", s.WipeAccount)
	})

	log.Info().Msg("httpapi: routes registered")
	return r
}
