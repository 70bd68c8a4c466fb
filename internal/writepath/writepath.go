// Package writepath is the Write Path: the timestamp-protected JSON upsert
// that every write to a synced-object table goes through, plus soft/hard
// delete dispatch and subscription-item style parent/child reconciliation.
package writepath

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph-sync/cdcengine/internal/storage"
)

// ErrMissingID is returned when an entry has no "id" field.
var ErrMissingID = fmt.Errorf("writepath: entry missing id")

// ColumnChecker reports whether a table carries a given projected column.
// Satisfied by *storage.Pool in production; a test fake can implement it
// without a live Postgres.
type ColumnChecker interface {
	ColumnExists(ctx context.Context, table, column string) (bool, error)
}

// Writer applies upserts and deletes against synced-object tables.
type Writer struct {
	cols ColumnChecker
	exec storage.Executor
}

// New builds a Writer over the given executor (pool or transaction).
func New(cols ColumnChecker, exec storage.Executor) *Writer {
	return &Writer{cols: cols, exec: exec}
}

// WithExecutor rebinds the writer to a different executor, e.g. a
// transaction opened by a caller composing multiple writes atomically.
func (w *Writer) WithExecutor(exec storage.Executor) *Writer {
	return &Writer{cols: w.cols, exec: exec}
}

// Entry is one remote object to upsert. ID must be non-empty.
type Entry = map[string]any

func entryID(e Entry) (string, bool) {
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

// UpsertMany applies the timestamp-protected upsert contract to every entry
// against table, tagged with accountID. If syncTimestamp is nil, now() is
// used for every entry. Returns the subset of entries actually applied —
// entries rejected by the timestamp-protection guard are dropped silently,
// not treated as errors.
func (w *Writer) UpsertMany(ctx context.Context, entries []Entry, table, accountID string, syncTimestamp *time.Time) ([]Entry, error) {
	applied := make([]Entry, 0, len(entries))

	for _, e := range entries {
		id, ok := entryID(e)
		if !ok {
			return applied, ErrMissingID
		}

		payload, err := json.Marshal(e)
		if err != nil {
			return applied, fmt.Errorf("writepath: marshal entry %s: %w", id, err)
		}

		var ts any
		if syncTimestamp != nil {
			ts = *syncTimestamp
		} else {
			ts = nil // bound as NULL; query below falls back to now()
		}

		var wasApplied bool
		err = w.exec.QueryRow(ctx, fmt.Sprintf(`
			WITH ins AS (
				INSERT INTO %s (id, _raw_data, _account_id, _last_synced_at)
				VALUES ($1, $2, $3, COALESCE($4::timestamptz, now()))
				ON CONFLICT (id) DO UPDATE SET
					_raw_data       = EXCLUDED._raw_data,
					_account_id     = EXCLUDED._account_id,
					_last_synced_at = EXCLUDED._last_synced_at
				WHERE %s._last_synced_at IS NULL
				   OR %s._last_synced_at <= EXCLUDED._last_synced_at
				RETURNING 1
			)
			SELECT EXISTS(SELECT 1 FROM ins)
		`, table, table, table), id, payload, accountID, ts).Scan(&wasApplied)
		if err != nil {
			return applied, fmt.Errorf("writepath: upsert %s into %s: %w", id, table, err)
		}

		if wasApplied {
			applied = append(applied, e)
		}
	}

	return applied, nil
}

// upsertTombstone merges {"deleted":true} into the row's existing _raw_data
// rather than replacing it, preserving the rest of the last-known payload.
// Still subject to the timestamp-protection guard.
func (w *Writer) upsertTombstone(ctx context.Context, table, id, accountID string, syncTimestamp *time.Time) (bool, error) {
	payload, err := json.Marshal(Entry{"id": id, "deleted": true})
	if err != nil {
		return false, fmt.Errorf("writepath: marshal tombstone %s: %w", id, err)
	}

	var ts any
	if syncTimestamp != nil {
		ts = *syncTimestamp
	} else {
		ts = nil
	}

	var wasApplied bool
	err = w.exec.QueryRow(ctx, fmt.Sprintf(`
		WITH ins AS (
			INSERT INTO %s (id, _raw_data, _account_id, _last_synced_at)
			VALUES ($1, $2, $3, COALESCE($4::timestamptz, now()))
			ON CONFLICT (id) DO UPDATE SET
				_raw_data       = %s._raw_data || '{"deleted":true}'::jsonb,
				_account_id     = EXCLUDED._account_id,
				_last_synced_at = EXCLUDED._last_synced_at
			WHERE %s._last_synced_at IS NULL
			   OR %s._last_synced_at <= EXCLUDED._last_synced_at
			RETURNING 1
		)
		SELECT EXISTS(SELECT 1 FROM ins)
	`, table, table, table, table), id, payload, accountID, ts).Scan(&wasApplied)
	if err != nil {
		return false, fmt.Errorf("writepath: tombstone %s in %s: %w", id, table, err)
	}
	return wasApplied, nil
}

// Delete applies the delete path for a single id: a tombstone upsert when
// the table has a `deleted` projection column, else a hard DELETE. Returns
// whether a row was affected.
func (w *Writer) Delete(ctx context.Context, table, id, accountID string, syncTimestamp *time.Time) (bool, error) {
	hasDeletedCol, err := w.cols.ColumnExists(ctx, table, "deleted")
	if err != nil {
		return false, fmt.Errorf("writepath: check deleted column on %s: %w", table, err)
	}

	if hasDeletedCol {
		return w.upsertTombstone(ctx, table, id, accountID, syncTimestamp)
	}

	tag, err := w.exec.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return false, fmt.Errorf("writepath: delete %s from %s: %w", id, table, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReconcileChildren upserts the parent's child list and marks as deleted any
// previously-stored child not present in the new list — the
// subscription-item specialization for collection children implicit in a
// parent payload (§4.3).
func (w *Writer) ReconcileChildren(
	ctx context.Context,
	children []Entry,
	childTable, parentIDColumn, parentID, accountID string,
	syncTimestamp *time.Time,
) error {
	if _, err := w.UpsertMany(ctx, children, childTable, accountID, syncTimestamp); err != nil {
		return fmt.Errorf("writepath: upsert children of %s: %w", parentID, err)
	}

	newIDs := make(map[string]struct{}, len(children))
	for _, c := range children {
		if id, ok := entryID(c); ok {
			newIDs[id] = struct{}{}
		}
	}

	var storedIDs []string
	err := w.exec.QueryRow(ctx, fmt.Sprintf(`
		SELECT coalesce(array_agg(id), '{}') FROM %s WHERE %s = $1
	`, childTable, parentIDColumn), parentID).Scan(&storedIDs)
	if err != nil {
		return fmt.Errorf("writepath: list stored children of %s: %w", parentID, err)
	}

	var staleIDs []string
	for _, storedID := range storedIDs {
		if _, stillPresent := newIDs[storedID]; !stillPresent {
			staleIDs = append(staleIDs, storedID)
		}
	}

	for _, staleID := range staleIDs {
		if _, err := w.Delete(ctx, childTable, staleID, accountID, syncTimestamp); err != nil {
			return fmt.Errorf("writepath: mark stale child %s deleted: %w", staleID, err)
		}
	}

	return nil
}
