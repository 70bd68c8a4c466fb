// Package pagedriver is the Page Driver: the per-object-type list-and-write
// loop that walks a registered resource's REST pagination to completion,
// persisting progress into the run state store after every page so a crash
// mid-backfill resumes from the last fully-applied page rather than
// restarting the object from scratch.
package pagedriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sourcegraph-sync/cdcengine/internal/registry"
	"github.com/sourcegraph-sync/cdcengine/internal/runstate"
	"github.com/sourcegraph-sync/cdcengine/internal/writepath"
)

// Driver walks one object type's pagination to completion, page by page.
type Driver struct {
	reg    *registry.Registry
	runs   *runstate.Store
	writer *writepath.Writer
	logger zerolog.Logger
}

// New builds a Driver over the given registry, run-state store and writer.
func New(reg *registry.Registry, runs *runstate.Store, writer *writepath.Writer, logger zerolog.Logger) *Driver {
	return &Driver{reg: reg, runs: runs, writer: writer, logger: logger}
}

// PageResult reports the outcome of one ProcessNext call.
type PageResult struct {
	EntriesFetched int
	EntriesApplied int
	Done           bool
}

const defaultPageLimit = 100

// blockedRetryDelay paces ProcessUntilDone's retry loop when the run's
// concurrency cap is the reason an object couldn't start this round, so a
// pinned-but-capped goroutine doesn't spin hot against the database.
const blockedRetryDelay = 25 * time.Millisecond

// ProcessNext fetches and applies a single page for object, advancing its
// page cursor in the run-state store. On the walk's first page the object's
// watermark cursor is advanced to the newest "created" timestamp observed,
// since pages arrive newest-to-oldest per the provider's pagination
// contract; when the page has no further pages, the page cursor is cleared
// and the object-run is completed. object is claimed by name, never by whatever else happens to be
// pending, so the goroutine a caller has pinned to this object can never
// steal or strand another goroutine's row.
func (d *Driver) ProcessNext(ctx context.Context, accountID string, runStartedAt time.Time, object string) (PageResult, error) {
	cfg, ok := d.reg.Get(object)
	if !ok {
		return PageResult{}, fmt.Errorf("pagedriver: unknown object %q", object)
	}
	if cfg.ListFn == nil {
		return PageResult{}, fmt.Errorf("pagedriver: object %q has no list function", object)
	}

	started, state, err := d.runs.TryStartObjectSync(ctx, accountID, runStartedAt, object)
	if err != nil {
		return PageResult{}, fmt.Errorf("pagedriver: start %s: %w", object, err)
	}
	if !started {
		status, statusErr := d.runs.ObjectStatus(ctx, accountID, runStartedAt, object)
		if statusErr != nil {
			return PageResult{}, fmt.Errorf("pagedriver: status %s: %w", object, statusErr)
		}
		if runstate.IsTerminal(status) {
			return PageResult{Done: true}, nil
		}
		// Not pending (already running, or the run's concurrency cap is
		// full) — back off briefly and let the caller's retry loop try again
		// rather than busy-spinning TryStartObjectSync.
		select {
		case <-ctx.Done():
			return PageResult{}, ctx.Err()
		case <-time.After(blockedRetryDelay):
		}
		return PageResult{Done: false}, nil
	}

	isFirstPage := state.PageCursor == nil

	var createdGTE *int64
	if cfg.SupportsCreatedFilter {
		if state.WatermarkFilter == nil {
			filter := ""
			if prev, err := d.runs.GetLastCursorBeforeRun(ctx, accountID, object, runStartedAt); err != nil {
				return PageResult{}, fmt.Errorf("pagedriver: resolve watermark for %s: %w", object, err)
			} else if prev != nil {
				filter = *prev
			}
			if err := d.runs.SeedWatermarkFilter(ctx, accountID, runStartedAt, object, filter); err != nil {
				return PageResult{}, fmt.Errorf("pagedriver: seed watermark for %s: %w", object, err)
			}
			state.WatermarkFilter = &filter
		}
		if state.WatermarkFilter != nil && *state.WatermarkFilter != "" {
			if v, err := strconv.ParseInt(*state.WatermarkFilter, 10, 64); err == nil {
				createdGTE = &v
			}
		}
	}

	params := registry.ListParams{
		Limit:         defaultPageLimit,
		StartingAfter: derefOrEmpty(state.PageCursor),
		CreatedGTE:    createdGTE,
	}

	page, err := cfg.ListFn(ctx, params)
	if err != nil {
		if failErr := d.runs.FailObjectSync(ctx, accountID, runStartedAt, object, err.Error()); failErr != nil {
			d.logger.Error().Err(failErr).Str("object", object).Msg("pagedriver: failed to record object failure")
		}
		return PageResult{}, fmt.Errorf("pagedriver: list %s: %w", object, err)
	}

	if len(page.Data) == 0 && page.HasMore {
		msg := fmt.Sprintf("page reported has_more with no entries at cursor %q", params.StartingAfter)
		if failErr := d.runs.FailObjectSync(ctx, accountID, runStartedAt, object, msg); failErr != nil {
			d.logger.Error().Err(failErr).Str("object", object).Msg("pagedriver: failed to record object failure")
		}
		return PageResult{}, fmt.Errorf("pagedriver: %s: %s", object, msg)
	}

	if len(cfg.ListExpands) > 0 {
		if err := d.expandAndReconcileChildren(ctx, accountID, object, page.Data); err != nil {
			if failErr := d.runs.FailObjectSync(ctx, accountID, runStartedAt, object, err.Error()); failErr != nil {
				d.logger.Error().Err(failErr).Str("object", object).Msg("pagedriver: failed to record object failure")
			}
			return PageResult{}, err
		}
	}

	applied, err := d.writer.UpsertMany(ctx, page.Data, cfg.TableName, accountID, nil)
	if err != nil {
		if failErr := d.runs.FailObjectSync(ctx, accountID, runStartedAt, object, err.Error()); failErr != nil {
			d.logger.Error().Err(failErr).Str("object", object).Msg("pagedriver: failed to record object failure")
		}
		return PageResult{}, fmt.Errorf("pagedriver: upsert %s: %w", object, err)
	}

	if _, err := d.runs.IncrementObjectProgress(ctx, accountID, runStartedAt, object, int64(len(page.Data))); err != nil {
		return PageResult{}, fmt.Errorf("pagedriver: increment progress for %s: %w", object, err)
	}

	if isFirstPage {
		newWatermark := maxCreated(page.Data)
		switch {
		case newWatermark > 0:
			if err := d.runs.UpdateObjectCursor(ctx, accountID, runStartedAt, object, strconv.FormatInt(newWatermark, 10)); err != nil {
				return PageResult{}, fmt.Errorf("pagedriver: update cursor for %s: %w", object, err)
			}
		case createdGTE != nil:
			// No new rows this walk; carry the prior boundary forward so the
			// next run's GetLastCursorBeforeRun doesn't see it regress to nil.
			if err := d.runs.UpdateObjectCursor(ctx, accountID, runStartedAt, object, strconv.FormatInt(*createdGTE, 10)); err != nil {
				return PageResult{}, fmt.Errorf("pagedriver: update cursor for %s: %w", object, err)
			}
		}
	}

	if !page.HasMore {
		if err := d.runs.ClearObjectPageCursor(ctx, accountID, runStartedAt, object); err != nil {
			return PageResult{}, fmt.Errorf("pagedriver: clear page cursor for %s: %w", object, err)
		}
		if err := d.runs.CompleteObjectSync(ctx, accountID, runStartedAt, object); err != nil {
			return PageResult{}, fmt.Errorf("pagedriver: complete %s: %w", object, err)
		}
		return PageResult{EntriesFetched: len(page.Data), EntriesApplied: len(applied), Done: true}, nil
	}

	nextPageCursor := state.PageCursor
	if id, ok := lastID(page.Data); ok {
		nextPageCursor = &id
	}
	if err := d.runs.ReleaseObjectSync(ctx, accountID, runStartedAt, object, nextPageCursor); err != nil {
		return PageResult{}, fmt.Errorf("pagedriver: release %s: %w", object, err)
	}

	return PageResult{EntriesFetched: len(page.Data), EntriesApplied: len(applied), Done: false}, nil
}

// expandAndReconcileChildren eagerly paginates every registered child
// collection implicit in the just-fetched parent entries to completion,
// folds the full collection into the parent's raw payload, and reconciles
// it into the child's own table (subscription_item-style children, §4.3).
func (d *Driver) expandAndReconcileChildren(ctx context.Context, accountID, object string, entries []registry.Object) error {
	cfg, _ := d.reg.Get(object)
	for childName, expand := range cfg.ListExpands {
		childCfg, ok := d.reg.Get(childName)
		if !ok {
			continue
		}
		for _, parent := range entries {
			parentID, ok := entryID(parent)
			if !ok {
				continue
			}

			var all []registry.Object
			childParams := registry.ListParams{Limit: defaultPageLimit}
			for {
				childPage, err := expand.List(ctx, parentID, childParams)
				if err != nil {
					return fmt.Errorf("pagedriver: list %s of %s %s: %w", childName, object, parentID, err)
				}
				all = append(all, childPage.Data...)
				if !childPage.HasMore || len(childPage.Data) == 0 {
					break
				}
				id, ok := lastID(childPage.Data)
				if !ok {
					break
				}
				childParams.StartingAfter = id
			}

			parent[expand.CollectionProperty] = map[string]any{"data": all, "has_more": false}

			if err := d.writer.ReconcileChildren(ctx, all, childCfg.TableName, childCfg.ParentIDField, parentID, accountID, nil); err != nil {
				return fmt.Errorf("pagedriver: reconcile %s of %s %s: %w", childName, object, parentID, err)
			}
		}
	}
	return nil
}

// ProcessUntilDone calls ProcessNext repeatedly for a single object until it
// reports Done or the context is cancelled.
func (d *Driver) ProcessUntilDone(ctx context.Context, accountID string, runStartedAt time.Time, object string) (int, error) {
	total := 0
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		result, err := d.ProcessNext(ctx, accountID, runStartedAt, object)
		if err != nil {
			return total, err
		}
		total += result.EntriesApplied
		if result.Done {
			return total, nil
		}
	}
}

// ParallelConfig tunes ProcessUntilDoneParallel's concurrency and pacing.
type ParallelConfig struct {
	Concurrency    int
	RequestsPerSec rate.Limit
	ProgressEvery  time.Duration
}

// DefaultParallelConfig mirrors a conservative default: five workers, five
// requests per second, a progress log line every five seconds.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{Concurrency: 5, RequestsPerSec: 5, ProgressEvery: 5 * time.Second}
}

// ProcessUntilDoneParallel drives every object in objects to completion
// concurrently, bounded by cfg.Concurrency and paced by cfg.RequestsPerSec,
// reporting aggregate progress on a ticker.
func (d *Driver) ProcessUntilDoneParallel(ctx context.Context, accountID string, runStartedAt time.Time, objects []string, cfg ParallelConfig) (int64, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limiter := rate.NewLimiter(cfg.RequestsPerSec, cfg.Concurrency)

	var processed int64
	var mu sync.Mutex
	var firstErr error

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	if cfg.ProgressEvery > 0 {
		go d.reportProgress(progressCtx, &processed, &mu, cfg.ProgressEvery)
	}

	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup

	for _, object := range objects {
		select {
		case <-ctx.Done():
			wg.Wait()
			return processed, ctx.Err()
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			wg.Wait()
			return processed, err
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(obj string) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := d.ProcessUntilDone(ctx, accountID, runStartedAt, obj)

			mu.Lock()
			processed += int64(n)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("pagedriver: %s: %w", obj, err)
			}
			mu.Unlock()
		}(object)
	}

	wg.Wait()
	return processed, firstErr
}

func (d *Driver) reportProgress(ctx context.Context, processed *int64, mu *sync.Mutex, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			n := *processed
			mu.Unlock()
			d.logger.Info().Int64("entries_applied", n).Msg("backfill progress")
		}
	}
}

func lastID(entries []registry.Object) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	v, ok := entries[len(entries)-1]["id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func entryID(e registry.Object) (string, bool) {
	v, ok := e["id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// entryCreated extracts the "created" field of a decoded JSON object. JSON
// numbers decode to float64 through encoding/json's default map[string]any
// handling; the other cases guard callers that construct entries by hand
// (tests, Sigma's Normalize) with a concrete int64 or numeric string.
func entryCreated(e registry.Object) (int64, bool) {
	switch v := e["created"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// maxCreated returns the largest "created" timestamp among entries, or 0 if
// none carry one. Callers rely on the provider's newest-to-oldest page
// ordering guarantee, so in practice this is entries[0]'s value — computed
// as a max regardless, since that guarantee is the provider's, not ours to
// assume blindly inside the one place it would silently corrupt a cursor.
func maxCreated(entries []registry.Object) int64 {
	var max int64
	for _, e := range entries {
		if c, ok := entryCreated(e); ok && c > max {
			max = c
		}
	}
	return max
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
