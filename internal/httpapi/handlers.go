package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Healthz reports liveness; it does not probe the database, matching the
// teacher's own unauthenticated /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type triggerBackfillReq struct {
	Objects          []string `json:"objects"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	TriggeredBy      string   `json:"triggered_by"`
}

type triggerBackfillResp struct {
	RunStartedAt   time.Time `json:"run_started_at"`
	JoinedRun      bool      `json:"joined_run"`
	ObjectsRun     []string  `json:"objects_run"`
	EntriesApplied int64     `json:"entries_applied"`
}

// TriggerBackfill handles POST /v1/backfill/{account_id}, driving a full
// (or object-filtered) backfill run to completion before responding. A
// future iteration might return immediately and let callers poll
// /v1/sync/state; synchronous is the simpler contract for an operator tool.
func (s *Server) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}

	var req triggerBackfillReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "operator_api"
	}

	result, err := s.Orchestrator.Run(r.Context(), accountID, req.TriggeredBy, req.Objects, req.ConcurrencyLimit)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("account_id", accountID).Msg("httpapi: backfill run failed")
		writeError(w, r, http.StatusInternalServerError, "backfill run failed")
		return
	}

	writeJSON(w, http.StatusOK, triggerBackfillResp{
		RunStartedAt:   result.RunStartedAt,
		JoinedRun:      result.JoinedRun,
		ObjectsRun:     result.ObjectsRun,
		EntriesApplied: result.EntriesApplied,
	})
}

// Webhook handles POST /v1/webhook/{account_id}. The sender must set
// X-Sync-Webhook-Timestamp, X-Sync-Webhook-Event-Id, X-Sync-Webhook-Event-Type
// and X-Sync-Webhook-Signature; the signature covers exactly those three
// values plus the raw body (§6).
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	if s.WebhookSecret == "" {
		writeError(w, r, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read body")
		return
	}

	timestamp, err := strconv.ParseInt(r.Header.Get("X-Sync-Webhook-Timestamp"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing or invalid timestamp header")
		return
	}
	eventID := r.Header.Get("X-Sync-Webhook-Event-Id")
	eventType := r.Header.Get("X-Sync-Webhook-Event-Type")
	signature := r.Header.Get("X-Sync-Webhook-Signature")
	if eventID == "" || eventType == "" || signature == "" {
		writeError(w, r, http.StatusBadRequest, "missing event headers")
		return
	}

	err = s.Webhooks.ProcessWebhook(r.Context(), accountID, s.WebhookSecret, timestamp, eventID, eventType, body, signature, time.Now())
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Str("account_id", accountID).Str("event_id", eventID).Msg("httpapi: webhook rejected")
		writeError(w, r, http.StatusUnauthorized, "webhook rejected")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type objectState struct {
	Object        string `json:"object"`
	Status        string `json:"status"`
	ProgressCount int64  `json:"progress_count"`
	Error         string `json:"error,omitempty"`
}

type syncStateResp struct {
	AccountID    string        `json:"account_id"`
	Status       string        `json:"status"`
	PendingCount int           `json:"pending_count"`
	RunningCount int           `json:"running_count"`
	CompleteCount int          `json:"complete_count"`
	ErrorCount   int           `json:"error_count"`
	Objects      []objectState `json:"objects"`
}

// SyncState handles GET /v1/sync/state/{account_id}, reading the derived
// sync_runs view for the account's most recent run.
func (s *Server) SyncState(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}

	resp, err := s.loadSyncState(r.Context(), accountID)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("account_id", accountID).Msg("httpapi: failed to load sync state")
		writeError(w, r, http.StatusInternalServerError, "failed to load sync state")
		return
	}
	if resp == nil {
		writeError(w, r, http.StatusNotFound, "no sync runs found for account")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadSyncState(ctx context.Context, accountID string) (*syncStateResp, error) {
	var startedAt time.Time
	var status string
	var pending, running, complete, errored int

	row := s.DB.DB().QueryRow(ctx, `
		SELECT started_at, status, pending_count, running_count, complete_count, error_count
		FROM sync_runs
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, accountID)
	if err := row.Scan(&startedAt, &status, &pending, &running, &complete, &errored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query sync_runs: %w", err)
	}

	rows, err := s.DB.DB().Query(ctx, `
		SELECT object, status, progress_count, coalesce(error, '')
		FROM _sync_obj_runs
		WHERE account_id = $1 AND run_started_at = $2
		ORDER BY object
	`, accountID, startedAt)
	if err != nil {
		return nil, fmt.Errorf("query _sync_obj_runs: %w", err)
	}
	defer rows.Close()

	var objects []objectState
	for rows.Next() {
		var o objectState
		if err := rows.Scan(&o.Object, &o.Status, &o.ProgressCount, &o.Error); err != nil {
			return nil, err
		}
		objects = append(objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &syncStateResp{
		AccountID:     accountID,
		Status:        status,
		PendingCount:  pending,
		RunningCount:  running,
		CompleteCount: complete,
		ErrorCount:    errored,
		Objects:       objects,
	}, nil
}

// WipeAccount handles DELETE /v1/sync/accounts/{account_id}: the
// dangerously-delete-synced-account-data operator command (§6). It removes
// every row this account owns across every registered resource table, then
// the account row itself, inside a single transaction.
func (s *Server) WipeAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}

	if err := s.wipeAccountData(r.Context(), accountID); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("account_id", accountID).Msg("httpapi: wipe account failed")
		writeError(w, r, http.StatusInternalServerError, "wipe failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) wipeAccountData(ctx context.Context, accountID string) error {
	return s.DB.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, name := range s.Registry.Names() {
			cfg, ok := s.Registry.Get(name)
			if !ok || cfg.TableName == "" {
				continue
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE _account_id = $1`, cfg.TableName), accountID); err != nil {
				return fmt.Errorf("wipe %s: %w", cfg.TableName, err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM _sync_obj_runs WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("wipe object runs: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM _sync_runs WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("wipe runs: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID); err != nil {
			return fmt.Errorf("wipe account row: %w", err)
		}
		return nil
	})
}
