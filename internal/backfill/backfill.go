// Package backfill is the Backfill Orchestrator: joins or starts a sync run
// for an account, enumerates the registered resources in dependency order,
// and drives the Page Driver across them to completion.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcegraph-sync/cdcengine/internal/analytical"
	"github.com/sourcegraph-sync/cdcengine/internal/pagedriver"
	"github.com/sourcegraph-sync/cdcengine/internal/registry"
	"github.com/sourcegraph-sync/cdcengine/internal/runstate"
)

// Orchestrator coordinates a full backfill run for an account.
type Orchestrator struct {
	reg        *registry.Registry
	runs       *runstate.Store
	driver     *pagedriver.Driver
	analytical *analytical.Driver
	logger     zerolog.Logger
}

// New builds an Orchestrator. analyticalDriver may be nil for deployments
// with no Sigma-backed resources.
func New(reg *registry.Registry, runs *runstate.Store, driver *pagedriver.Driver, analyticalDriver *analytical.Driver, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{reg: reg, runs: runs, driver: driver, analytical: analyticalDriver, logger: logger}
}

// partition splits ordered resource names into those the REST page driver
// walks directly, those sourced from the analytical-query endpoint, and
// those synced only as a side effect of their parent's listExpands (never
// independently paginated).
func (o *Orchestrator) partition(ordered []string) (restObjects, sigmaObjects, childObjects []string) {
	for _, name := range ordered {
		cfg, ok := o.reg.Get(name)
		if !ok {
			continue
		}
		switch {
		case cfg.ChildOf != "":
			childObjects = append(childObjects, name)
		case cfg.Sigma != nil:
			sigmaObjects = append(sigmaObjects, name)
		default:
			restObjects = append(restObjects, name)
		}
	}
	return restObjects, sigmaObjects, childObjects
}

// Result summarizes a completed backfill run.
type Result struct {
	RunStartedAt  time.Time
	JoinedRun     bool
	ObjectsRun    []string
	EntriesApplied int64
}

// Run joins an in-progress sync run for accountID if one is open, or starts
// a new one, then drives every object named in objects (or every registered
// resource, if objects is empty) to completion in dependency order.
func (o *Orchestrator) Run(ctx context.Context, accountID, triggeredBy string, objects []string, concurrencyLimit int) (Result, error) {
	concurrencyLimit = normalizeConcurrencyLimit(concurrencyLimit)

	run, err := o.runs.GetOrCreateSyncRun(ctx, accountID, triggeredBy, concurrencyLimit)
	if err != nil {
		return Result{}, fmt.Errorf("backfill: get or create sync run for %s: %w", accountID, err)
	}

	ordered := o.reg.DependencyOrder(objects)
	if run.IsNew {
		if err := o.runs.CreateObjectRuns(ctx, accountID, run.StartedAt, ordered); err != nil {
			return Result{}, fmt.Errorf("backfill: create object runs for %s: %w", accountID, err)
		}
	}

	o.logger.Info().
		Str("account_id", accountID).
		Time("run_started_at", run.StartedAt).
		Bool("joined", !run.IsNew).
		Int("object_count", len(ordered)).
		Msg("backfill: starting run")

	restObjects, sigmaObjects, childObjects := o.partition(ordered)

	if err := o.completeChildObjects(ctx, accountID, run.StartedAt, childObjects); err != nil {
		return Result{}, fmt.Errorf("backfill: complete child objects for %s: %w", accountID, err)
	}

	cfg := pagedriver.DefaultParallelConfig()
	cfg.Concurrency = concurrencyLimit

	applied, err := o.driver.ProcessUntilDoneParallel(ctx, accountID, run.StartedAt, restObjects, cfg)
	if err != nil {
		return Result{RunStartedAt: run.StartedAt, JoinedRun: !run.IsNew, ObjectsRun: ordered, EntriesApplied: applied}, fmt.Errorf("backfill: run %s: %w", accountID, err)
	}

	sigmaApplied, err := o.runSigmaObjects(ctx, accountID, run.StartedAt, sigmaObjects)
	applied += sigmaApplied
	if err != nil {
		return Result{RunStartedAt: run.StartedAt, JoinedRun: !run.IsNew, ObjectsRun: ordered, EntriesApplied: applied}, fmt.Errorf("backfill: run %s: %w", accountID, err)
	}

	allDone, err := o.runs.AllObjectsTerminal(ctx, accountID, run.StartedAt)
	if err != nil {
		return Result{}, fmt.Errorf("backfill: check terminal state for %s: %w", accountID, err)
	}
	if allDone {
		if err := o.runs.CloseSyncRun(ctx, accountID, run.StartedAt); err != nil {
			return Result{}, fmt.Errorf("backfill: close run for %s: %w", accountID, err)
		}
	}

	return Result{
		RunStartedAt:   run.StartedAt,
		JoinedRun:      !run.IsNew,
		ObjectsRun:     ordered,
		EntriesApplied: applied,
	}, nil
}

// completeChildObjects marks every collection-child resource (synced only
// as a side effect of its parent's listExpands) complete without an
// independent pagination walk.
func (o *Orchestrator) completeChildObjects(ctx context.Context, accountID string, runStartedAt time.Time, childObjects []string) error {
	for _, object := range childObjects {
		if _, _, err := o.runs.TryStartObjectSync(ctx, accountID, runStartedAt, object); err != nil {
			return err
		}
		if err := o.runs.CompleteObjectSync(ctx, accountID, runStartedAt, object); err != nil {
			return err
		}
	}
	return nil
}

// runSigmaObjects drives every analytical-query-backed resource to
// completion, seeding each from its last completed-run cursor and
// persisting the advanced cursor on success.
func (o *Orchestrator) runSigmaObjects(ctx context.Context, accountID string, runStartedAt time.Time, sigmaObjects []string) (int64, error) {
	var total int64
	if len(sigmaObjects) == 0 {
		return 0, nil
	}
	if o.analytical == nil {
		return 0, fmt.Errorf("no analytical driver configured for objects %v", sigmaObjects)
	}

	for _, object := range sigmaObjects {
		started, _, err := o.runs.TryStartObjectSync(ctx, accountID, runStartedAt, object)
		if err != nil {
			return total, err
		}
		if !started {
			continue
		}

		lastCursor, err := o.runs.GetLastCursorBeforeRun(ctx, accountID, object, runStartedAt)
		if err != nil {
			return total, err
		}
		startCursor, err := analytical.DecodeCursor(derefOrEmpty(lastCursor))
		if err != nil {
			return total, err
		}

		n, finalCursor, err := o.analytical.RunUntilDone(ctx, accountID, object, startCursor)
		total += int64(n)
		if err != nil {
			if failErr := o.runs.FailObjectSync(ctx, accountID, runStartedAt, object, err.Error()); failErr != nil {
				o.logger.Error().Err(failErr).Str("object", object).Msg("backfill: failed to record object failure")
			}
			return total, err
		}

		if _, err := o.runs.IncrementObjectProgress(ctx, accountID, runStartedAt, object, int64(n)); err != nil {
			return total, err
		}
		if len(finalCursor) > 0 {
			encoded, err := analytical.EncodeCursor(finalCursor)
			if err != nil {
				return total, err
			}
			if err := o.runs.UpdateObjectCursor(ctx, accountID, runStartedAt, object, encoded); err != nil {
				return total, err
			}
		}
		if err := o.runs.CompleteObjectSync(ctx, accountID, runStartedAt, object); err != nil {
			return total, err
		}
	}

	return total, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const defaultConcurrencyLimit = 5

func normalizeConcurrencyLimit(n int) int {
	if n <= 0 {
		return defaultConcurrencyLimit
	}
	return n
}

// RunSingle backfills exactly one object within an existing run, used by the
// operator API to retry or re-trigger a single object without restarting
// the whole account.
func (o *Orchestrator) RunSingle(ctx context.Context, accountID string, runStartedAt time.Time, object string) (int, error) {
	if _, ok := o.reg.Get(object); !ok {
		return 0, fmt.Errorf("backfill: unknown object %q", object)
	}
	return o.driver.ProcessUntilDone(ctx, accountID, runStartedAt, object)
}
