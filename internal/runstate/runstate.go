// Package runstate is the Run State Store: the persisted state machine for
// sync runs and per-object runs. Every transition here is a Postgres CAS
// query, never an in-process actor, so that many worker processes sharing
// one database coordinate for free.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sourcegraph-sync/cdcengine/internal/storage"
)

// Status is one of the four object-run states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Run identifies an account-scoped coordination context.
type Run struct {
	AccountID string
	StartedAt time.Time
	IsNew     bool
}

// ObjectRun is the per-object coordination record within a run.
type ObjectRun struct {
	AccountID      string
	RunStartedAt   time.Time
	Object         string
	Status         Status
	Cursor         *string
	PageCursor     *string
	ProgressCount  int64
	Error          *string
}

var ErrCapacityReached = errors.New("runstate: run concurrency cap reached")

// ValidTransition reports whether moving an object-run from `from` to `to`
// is one of the edges in the state graph (see SPEC_FULL.md §4.2). Used by
// callers that want to assert a transition before issuing the UPDATE, and
// by tests that pin the graph down.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusError
	case StatusRunning:
		return to == StatusPending || to == StatusComplete || to == StatusError
	case StatusComplete, StatusError:
		return false
	default:
		return false
	}
}

// IsTerminal reports whether s is one of the two terminal states.
func IsTerminal(s Status) bool {
	return s == StatusComplete || s == StatusError
}

// Store manipulates _sync_runs / _sync_obj_runs rows through exec.
type Store struct {
	exec storage.Executor
	pool *storage.Pool
}

// New builds a Store over the given executor. pool is additionally required
// for operations (GetOrCreateSyncRun) that need an advisory lock on a fresh
// connection rather than the executor's own connection/transaction.
func New(pool *storage.Pool, exec storage.Executor) *Store {
	return &Store{exec: exec, pool: pool}
}

// WithExecutor returns a shallow copy of the store bound to a different
// executor (typically a transaction), so callers can compose Store calls
// inside a larger transactional unit of work without re-threading raw SQL.
func (s *Store) WithExecutor(exec storage.Executor) *Store {
	return &Store{exec: exec, pool: s.pool}
}

// GetOrCreateSyncRun returns the account's open run, creating one under a
// per-account advisory lock if none is open. Exactly one concurrent caller
// observes IsNew=true; the rest observe the same (accountID, startedAt).
func (s *Store) GetOrCreateSyncRun(ctx context.Context, accountID, triggeredBy string, concurrencyLimit int) (Run, error) {
	var run Run

	err := s.pool.WithAdvisoryLock(ctx, "sync_run:"+accountID, func(ctx context.Context) error {
		var startedAt time.Time
		err := s.exec.QueryRow(ctx, `
			SELECT started_at FROM _sync_runs
			WHERE account_id = $1 AND closed_at IS NULL
			ORDER BY started_at DESC
			LIMIT 1
		`, accountID).Scan(&startedAt)

		if err == nil {
			run = Run{AccountID: accountID, StartedAt: startedAt, IsNew: false}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		err = s.exec.QueryRow(ctx, `
			INSERT INTO _sync_runs (account_id, started_at, triggered_by, concurrency_limit)
			VALUES ($1, now(), $2, $3)
			RETURNING started_at
		`, accountID, triggeredBy, concurrencyLimit).Scan(&startedAt)
		if err != nil {
			return err
		}

		run = Run{AccountID: accountID, StartedAt: startedAt, IsNew: true}
		return nil
	})

	return run, err
}

// CreateObjectRuns idempotently inserts one pending row per resource name.
func (s *Store) CreateObjectRuns(ctx context.Context, accountID string, runStartedAt time.Time, objects []string) error {
	for _, obj := range objects {
		_, err := s.exec.Exec(ctx, `
			INSERT INTO _sync_obj_runs (account_id, run_started_at, object, status, progress_count)
			VALUES ($1, $2, $3, 'pending', 0)
			ON CONFLICT (account_id, run_started_at, object) DO NOTHING
		`, accountID, runStartedAt, obj)
		if err != nil {
			return fmt.Errorf("runstate: create object run %s: %w", obj, err)
		}
	}
	return nil
}

// ObjectRunState is the subset of an object-run's persisted fields a caller
// needs to resume a walk: its monotonic watermark cursor, its intra-walk
// page cursor, and the created.gte lower bound resolved for this run.
type ObjectRunState struct {
	Cursor          *string
	PageCursor      *string
	WatermarkFilter *string
}

// TryStartObjectSync transitions pending -> running for one object, unless
// the run's concurrency cap is already met by the number of rows currently
// running. Returns false (no error), and a zero ObjectRunState, when the cap
// blocks the transition or the object is not in 'pending'. On success, also
// returns the row's persisted cursors so the caller can resume without an
// extra round trip.
func (s *Store) TryStartObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) (bool, ObjectRunState, error) {
	var state ObjectRunState
	err := s.exec.QueryRow(ctx, `
		WITH cap AS (
			SELECT concurrency_limit FROM _sync_runs
			WHERE account_id = $1 AND started_at = $2
		),
		running_count AS (
			SELECT count(*) AS n FROM _sync_obj_runs
			WHERE account_id = $1 AND run_started_at = $2 AND status = 'running'
		)
		UPDATE _sync_obj_runs
		SET status = 'running'
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3 AND status = 'pending'
		  AND (SELECT n FROM running_count) < (SELECT concurrency_limit FROM cap)
		RETURNING cursor, page_cursor, watermark_filter
	`, accountID, runStartedAt, object).Scan(&state.Cursor, &state.PageCursor, &state.WatermarkFilter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ObjectRunState{}, nil
		}
		return false, ObjectRunState{}, err
	}
	return true, state, nil
}

// ObjectStatus returns the current status of one object-run row.
func (s *Store) ObjectStatus(ctx context.Context, accountID string, runStartedAt time.Time, object string) (Status, error) {
	var status Status
	err := s.exec.QueryRow(ctx, `
		SELECT status FROM _sync_obj_runs
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object).Scan(&status)
	return status, err
}

// SeedWatermarkFilter records the created.gte lower bound to apply for the
// rest of this object's walk, the first time it's needed. A no-op once the
// column is already set, so later pages of the same walk keep the original
// boundary instead of whatever UpdateObjectCursor has since advanced it to.
func (s *Store) SeedWatermarkFilter(ctx context.Context, accountID string, runStartedAt time.Time, object, filter string) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs SET watermark_filter = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3 AND watermark_filter IS NULL
	`, accountID, runStartedAt, object, filter)
	return err
}

// ReleaseObjectSync returns a running object to pending while advancing its
// page cursor, so another worker may claim the remaining pages.
func (s *Store) ReleaseObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string, pageCursor *string) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs
		SET status = 'pending', page_cursor = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3 AND status = 'running'
	`, accountID, runStartedAt, object, pageCursor)
	return err
}

// IncrementObjectProgress adds count to the object's progress counter and
// returns the new running total.
func (s *Store) IncrementObjectProgress(ctx context.Context, accountID string, runStartedAt time.Time, object string, count int64) (int64, error) {
	var total int64
	err := s.exec.QueryRow(ctx, `
		UPDATE _sync_obj_runs
		SET progress_count = progress_count + $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		RETURNING progress_count
	`, accountID, runStartedAt, object, count).Scan(&total)
	return total, err
}

// UpdateObjectCursor advances the monotonic watermark cursor.
func (s *Store) UpdateObjectCursor(ctx context.Context, accountID string, runStartedAt time.Time, object string, cursor string) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs SET cursor = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object, cursor)
	return err
}

// UpdateObjectPageCursor sets the intra-walk continuation token.
func (s *Store) UpdateObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object string, pageCursor string) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs SET page_cursor = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object, pageCursor)
	return err
}

// ClearObjectPageCursor clears the page cursor, e.g. on completion.
func (s *Store) ClearObjectPageCursor(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs SET page_cursor = NULL
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object)
	return err
}

// CompleteObjectSync sets the object-run to complete and clears page_cursor.
// The row's current status is not checked.
func (s *Store) CompleteObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object string) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs SET status = 'complete', page_cursor = NULL
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
	`, accountID, runStartedAt, object)
	return err
}

// FailObjectSync moves any object-run that is not complete to error,
// recording msg; a row already in error has its message replaced.
func (s *Store) FailObjectSync(ctx context.Context, accountID string, runStartedAt time.Time, object, msg string) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs SET status = 'error', error = $4
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3
		  AND status <> 'complete'
	`, accountID, runStartedAt, object, msg)
	return err
}

// CloseSyncRun sets closed_at once all object-runs have terminated.
func (s *Store) CloseSyncRun(ctx context.Context, accountID string, runStartedAt time.Time) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_runs SET closed_at = now()
		WHERE account_id = $1 AND started_at = $2 AND closed_at IS NULL
	`, accountID, runStartedAt)
	return err
}

// AllObjectsTerminal reports whether every object-run of the given run has
// reached a terminal state, the precondition for CloseSyncRun.
func (s *Store) AllObjectsTerminal(ctx context.Context, accountID string, runStartedAt time.Time) (bool, error) {
	var openCount int
	err := s.exec.QueryRow(ctx, `
		SELECT count(*) FROM _sync_obj_runs
		WHERE account_id = $1 AND run_started_at = $2 AND status NOT IN ('complete', 'error')
	`, accountID, runStartedAt).Scan(&openCount)
	if err != nil {
		return false, err
	}
	return openCount == 0, nil
}

// GetLastCursorBeforeRun returns the cursor of the most recent completed run
// for (account, object) started strictly before runStartedAt, or nil.
func (s *Store) GetLastCursorBeforeRun(ctx context.Context, accountID, object string, runStartedAt time.Time) (*string, error) {
	var cursor *string
	err := s.exec.QueryRow(ctx, `
		SELECT o.cursor
		FROM _sync_obj_runs o
		JOIN _sync_runs r ON r.account_id = o.account_id AND r.started_at = o.run_started_at
		WHERE o.account_id = $1 AND o.object = $2 AND o.run_started_at < $3 AND o.status = 'complete'
		ORDER BY o.run_started_at DESC
		LIMIT 1
	`, accountID, object, runStartedAt).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cursor, nil
}

// CancelStaleRuns marks open runs older than olderThan as error with a
// "stale" reason for every still-open object-run, used on startup to
// recover from crashed processes.
func (s *Store) CancelStaleRuns(ctx context.Context, accountID string, olderThan time.Duration) error {
	_, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs o
		SET status = 'error', error = 'stale'
		FROM _sync_runs r
		WHERE r.account_id = o.account_id AND r.started_at = o.run_started_at
		  AND o.account_id = $1
		  AND r.closed_at IS NULL
		  AND r.started_at < now() - $2::interval
		  AND o.status NOT IN ('complete', 'error')
	`, accountID, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	return err
}

// ResetStuckRunningObjects demotes running object-runs untouched for longer
// than threshold back to pending, preserving page_cursor, so another worker
// picks up where a crashed one left off.
func (s *Store) ResetStuckRunningObjects(ctx context.Context, accountID string, runStartedAt time.Time, threshold time.Duration) (int64, error) {
	tag, err := s.exec.Exec(ctx, `
		UPDATE _sync_obj_runs
		SET status = 'pending'
		WHERE account_id = $1 AND run_started_at = $2 AND status = 'running'
		  AND updated_at < now() - $3::interval
	`, accountID, runStartedAt, fmt.Sprintf("%d seconds", int64(threshold.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
