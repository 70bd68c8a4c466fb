package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Fake is an in-memory stand-in for Executor (and ColumnChecker), letting C2
// (runstate) and C3 (writepath) state transitions be unit-tested without a
// live Postgres. It recognizes the literal query shapes those two packages
// issue and reproduces their semantics — the timestamp-protection guard, the
// pending/running/complete/error state graph, the concurrency cap — against
// plain Go maps instead of SQL. Anything outside that recognized set returns
// a descriptive error rather than silently succeeding, so a widened call
// site is caught by a failing test instead of a false pass.
type Fake struct {
	mu sync.Mutex

	syncRuns map[string]*fakeSyncRun
	objRuns  []*fakeObjRun
	tables   map[string]map[string]*fakeRow2

	deletedColumns map[string]bool // table -> whether it carries a `deleted` column
	resolvers      map[string]func(raw map[string]any) (string, bool)

	clock func() time.Time
}

type fakeSyncRun struct {
	accountID        string
	startedAt        time.Time
	concurrencyLimit int
	closedAt         *time.Time
}

type fakeObjRun struct {
	accountID       string
	runStartedAt    time.Time
	object          string
	status          string
	cursor          *string
	pageCursor      *string
	watermarkFilter *string
	progressCount   int64
	errMsg          *string
	updatedAt       time.Time
}

type fakeRow2 struct {
	raw          map[string]any
	accountID    string
	lastSyncedAt *time.Time
}

// NewFake builds an empty Fake. clock, if nil, defaults to a monotonically
// advancing counter so every call observes a distinct "now" without real
// wall-clock dependence.
func NewFake(clock func() time.Time) *Fake {
	if clock == nil {
		var tick int64
		clock = func() time.Time {
			tick++
			return time.Unix(tick, 0).UTC()
		}
	}
	return &Fake{
		syncRuns:       make(map[string]*fakeSyncRun),
		tables:         make(map[string]map[string]*fakeRow2),
		deletedColumns: make(map[string]bool),
		resolvers:      make(map[string]func(raw map[string]any) (string, bool)),
		clock:          clock,
	}
}

// --- test setup helpers --------------------------------------------------

// SeedSyncRun records a run's concurrency cap, the part of _sync_runs that
// TryStartObjectSync's cap check reads. Tests call this in place of the real
// GetOrCreateSyncRun, which requires a live advisory-lock connection.
func (f *Fake) SeedSyncRun(accountID string, startedAt time.Time, concurrencyLimit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncRuns[syncRunKey(accountID, startedAt)] = &fakeSyncRun{
		accountID: accountID, startedAt: startedAt, concurrencyLimit: concurrencyLimit,
	}
}

// SetHasDeletedColumn controls what ColumnExists(table, "deleted") reports.
func (f *Fake) SetHasDeletedColumn(table string, has bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedColumns[table] = has
}

// SetColumnResolver registers how a generated column's value is derived from
// a row's raw JSON, for tables whose column name doesn't equal its JSON key
// (e.g. subscription_item.subscription_id generated from raw_data->>'subscription').
// Unregistered columns fall back to raw[column] directly.
func (f *Fake) SetColumnResolver(table, column string, fn func(raw map[string]any) (string, bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvers[table+"."+column] = fn
}

// SeedRow inserts a row directly into table, bypassing the upsert guard —
// for tests that need an existing payload to merge a tombstone into.
func (f *Fake) SeedRow(table, id string, raw map[string]any, accountID string, lastSyncedAt *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tableFor(table)[id] = &fakeRow2{raw: raw, accountID: accountID, lastSyncedAt: lastSyncedAt}
}

// Row returns a copy of a stored row's raw JSON, for assertions, and whether
// it exists.
func (f *Fake) Row(table, id string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tables[table][id]
	if !ok {
		return nil, false
	}
	return cloneMap(r.raw), true
}

// ObjectRun returns a copy of one object-run row's state, for assertions.
func (f *Fake) ObjectRun(accountID string, runStartedAt time.Time, object string) (status string, cursor, pageCursor, watermarkFilter *string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.findObjRun(accountID, runStartedAt, object)
	if row == nil {
		return "", nil, nil, nil, false
	}
	return row.status, row.cursor, row.pageCursor, row.watermarkFilter, true
}

// --- Executor / ColumnChecker --------------------------------------------

func (f *Fake) ColumnExists(_ context.Context, table, column string) (bool, error) {
	if column != "deleted" {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletedColumns[table], nil
}

func (f *Fake) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatch(sql, args)
}

func (f *Fake) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	tag, err := f.dispatch(sql, args)
	_ = tag
	if err != nil {
		if fr, ok := err.(*fakeRowError); ok {
			return fr.row
		}
		return errRow{err: err}
	}
	return errRow{err: fmt.Errorf("storage: fake QueryRow got a statement with no row result: %s", normalize(sql))}
}

func (f *Fake) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("storage: fake Executor does not implement Query; no C2/C3 call site needs it")
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

// fakeRowError lets dispatch (which returns (pgconn.CommandTag, error) for
// Exec's sake) smuggle a ready-made row back out to QueryRow without a
// second code path per statement.
type fakeRowError struct{ row pgx.Row }

func (e *fakeRowError) Error() string { return "storage: fake internal row carrier" }

func valuesRow(values ...any) error {
	return &fakeRowError{row: valueRow{values: values}}
}

type valueRow struct {
	values []any
	err    error
}

func (r valueRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("storage: fake scan arity mismatch: %d dest, %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		if err := assign(d, r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func errorRow(err error) error {
	return &fakeRowError{row: errRow{err: err}}
}

func assign(dest, val any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("storage: fake scan destination must be a non-nil pointer, got %T", dest)
	}
	elem := dv.Elem()
	if val == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	vv := reflect.ValueOf(val)
	if vv.Type().AssignableTo(elem.Type()) {
		elem.Set(vv)
		return nil
	}
	if vv.Type().ConvertibleTo(elem.Type()) {
		elem.Set(vv.Convert(elem.Type()))
		return nil
	}
	return fmt.Errorf("storage: fake scan cannot assign %T into %s", val, elem.Type())
}

// --- dispatch --------------------------------------------------------------

func normalize(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// firstFieldAfter returns the token immediately following marker.
func firstFieldAfter(fields []string, marker string) (string, bool) {
	for i, fl := range fields {
		if fl == marker && i+1 < len(fields) {
			return fields[i+1], true
		}
	}
	return "", false
}

func (f *Fake) dispatch(sql string, args []any) (pgconn.CommandTag, error) {
	n := normalize(sql)
	fields := strings.Fields(n)

	switch {
	case strings.Contains(n, "ON CONFLICT (account_id, run_started_at, object) DO NOTHING"):
		accountID, runStartedAt, object := args[0].(string), args[1].(time.Time), args[2].(string)
		inserted := f.createObjectRun(accountID, runStartedAt, object)
		if inserted {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		}
		return pgconn.NewCommandTag("INSERT 0 0"), nil

	case strings.Contains(n, "RETURNING cursor, page_cursor, watermark_filter"):
		accountID, runStartedAt, object := args[0].(string), args[1].(time.Time), args[2].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row == nil || row.status != "pending" {
			return pgconn.CommandTag{}, errorRow(pgx.ErrNoRows)
		}
		sr := f.syncRuns[syncRunKey(accountID, runStartedAt)]
		if sr == nil {
			return pgconn.CommandTag{}, errorRow(pgx.ErrNoRows)
		}
		if f.countRunning(accountID, runStartedAt) >= sr.concurrencyLimit {
			return pgconn.CommandTag{}, errorRow(pgx.ErrNoRows)
		}
		row.status = "running"
		row.updatedAt = f.clock()
		return pgconn.CommandTag{}, valuesRow(row.cursor, row.pageCursor, row.watermarkFilter)

	case strings.Contains(n, "SELECT status FROM _sync_obj_runs"):
		accountID, runStartedAt, object := args[0].(string), args[1].(time.Time), args[2].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row == nil {
			return pgconn.CommandTag{}, errorRow(pgx.ErrNoRows)
		}
		return pgconn.CommandTag{}, valuesRow(row.status)

	case strings.Contains(n, "SET watermark_filter = $4"):
		accountID, runStartedAt, object, filter := args[0].(string), args[1].(time.Time), args[2].(string), args[3].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row != nil && row.watermarkFilter == nil {
			row.watermarkFilter = &filter
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil

	case strings.Contains(n, "SET status = 'pending', page_cursor = $4"):
		accountID, runStartedAt, object := args[0].(string), args[1].(time.Time), args[2].(string)
		pageCursor, _ := args[3].(*string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row != nil && row.status == "running" {
			row.status = "pending"
			row.pageCursor = pageCursor
			row.updatedAt = f.clock()
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil

	case strings.Contains(n, "SET progress_count = progress_count + $4"):
		accountID, runStartedAt, object, count := args[0].(string), args[1].(time.Time), args[2].(string), args[3].(int64)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row == nil {
			return pgconn.CommandTag{}, errorRow(pgx.ErrNoRows)
		}
		row.progressCount += count
		return pgconn.CommandTag{}, valuesRow(row.progressCount)

	case strings.Contains(n, "SET cursor = $4"):
		accountID, runStartedAt, object, cursor := args[0].(string), args[1].(time.Time), args[2].(string), args[3].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row != nil {
			row.cursor = &cursor
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(n, "SET page_cursor = $4"):
		accountID, runStartedAt, object, pageCursor := args[0].(string), args[1].(time.Time), args[2].(string), args[3].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row != nil {
			row.pageCursor = &pageCursor
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(n, "SET page_cursor = NULL"):
		accountID, runStartedAt, object := args[0].(string), args[1].(time.Time), args[2].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row != nil {
			row.pageCursor = nil
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(n, "SET status = 'complete', page_cursor = NULL"):
		accountID, runStartedAt, object := args[0].(string), args[1].(time.Time), args[2].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row != nil {
			row.status = "complete"
			row.pageCursor = nil
			row.updatedAt = f.clock()
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(n, "SET status = 'error', error = $4"):
		accountID, runStartedAt, object, msg := args[0].(string), args[1].(time.Time), args[2].(string), args[3].(string)
		row := f.findObjRun(accountID, runStartedAt, object)
		if row != nil && row.status != "complete" {
			row.status = "error"
			row.errMsg = &msg
			row.updatedAt = f.clock()
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil

	case strings.Contains(n, "status NOT IN ('complete', 'error')") && strings.Contains(n, "SELECT count(*)"):
		accountID, runStartedAt := args[0].(string), args[1].(time.Time)
		var open int
		for _, row := range f.objRuns {
			if row.accountID == accountID && row.runStartedAt.Equal(runStartedAt) && row.status != "complete" && row.status != "error" {
				open++
			}
		}
		return pgconn.CommandTag{}, valuesRow(open)

	case strings.Contains(n, "SELECT o.cursor"):
		accountID, object, runStartedAt := args[0].(string), args[1].(string), args[2].(time.Time)
		var best *fakeObjRun
		for _, row := range f.objRuns {
			if row.accountID != accountID || row.object != object || row.status != "complete" {
				continue
			}
			if !row.runStartedAt.Before(runStartedAt) {
				continue
			}
			if best == nil || row.runStartedAt.After(best.runStartedAt) {
				best = row
			}
		}
		if best == nil {
			return pgconn.CommandTag{}, errorRow(pgx.ErrNoRows)
		}
		return pgconn.CommandTag{}, valuesRow(best.cursor)

	case strings.Contains(n, "error = 'stale'"):
		accountID, intervalSQL := args[0].(string), args[1].(string)
		dur := parseIntervalSeconds(intervalSQL)
		cutoff := f.clock().Add(-dur)
		var affected int64
		for _, sr := range f.syncRuns {
			if sr.accountID != accountID || sr.closedAt != nil || !sr.startedAt.Before(cutoff) {
				continue
			}
			for _, row := range f.objRuns {
				if row.accountID == accountID && row.runStartedAt.Equal(sr.startedAt) && row.status != "complete" && row.status != "error" {
					row.status = "error"
					msg := "stale"
					row.errMsg = &msg
					affected++
				}
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", affected)), nil

	case strings.Contains(n, "updated_at < now() - $3::interval"):
		accountID, runStartedAt, intervalSQL := args[0].(string), args[1].(time.Time), args[2].(string)
		dur := parseIntervalSeconds(intervalSQL)
		cutoff := f.clock().Add(-dur)
		var affected int64
		for _, row := range f.objRuns {
			if row.accountID == accountID && row.runStartedAt.Equal(runStartedAt) && row.status == "running" && row.updatedAt.Before(cutoff) {
				row.status = "pending"
				affected++
			}
		}
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", affected)), nil

	case strings.Contains(n, `'{"deleted":true}'::jsonb`):
		table, _ := firstFieldAfter(fields, "INTO")
		id, _ := args[0].(string)
		accountID, _ := args[2].(string)
		return pgconn.CommandTag{}, f.upsert(table, id, nil, accountID, args[3], true)

	case strings.Contains(n, "_raw_data = EXCLUDED._raw_data,"):
		table, _ := firstFieldAfter(fields, "INTO")
		id, _ := args[0].(string)
		payload, _ := args[1].([]byte)
		accountID, _ := args[2].(string)
		return pgconn.CommandTag{}, f.upsert(table, id, payload, accountID, args[3], false)

	case strings.Contains(n, "coalesce(array_agg(id), '{}')"):
		table, _ := firstFieldAfter(fields, "FROM")
		column, _ := firstFieldAfter(fields, "WHERE")
		parentID, _ := args[0].(string)
		return pgconn.CommandTag{}, f.listChildIDs(table, column, parentID)

	case strings.HasPrefix(n, "DELETE FROM") && strings.Contains(n, "WHERE id = $1"):
		table, _ := firstFieldAfter(fields, "FROM")
		id, _ := args[0].(string)
		return f.hardDelete(table, id), nil
	}

	return pgconn.CommandTag{}, fmt.Errorf("storage: fake Executor does not recognize statement: %s", n)
}

func parseIntervalSeconds(s string) time.Duration {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

// --- state helpers -----------------------------------------------------

func syncRunKey(accountID string, startedAt time.Time) string {
	return accountID + "|" + strconv.FormatInt(startedAt.UnixNano(), 10)
}

func (f *Fake) findObjRun(accountID string, runStartedAt time.Time, object string) *fakeObjRun {
	for _, row := range f.objRuns {
		if row.accountID == accountID && row.runStartedAt.Equal(runStartedAt) && row.object == object {
			return row
		}
	}
	return nil
}

func (f *Fake) countRunning(accountID string, runStartedAt time.Time) int {
	n := 0
	for _, row := range f.objRuns {
		if row.accountID == accountID && row.runStartedAt.Equal(runStartedAt) && row.status == "running" {
			n++
		}
	}
	return n
}

func (f *Fake) createObjectRun(accountID string, runStartedAt time.Time, object string) bool {
	if f.findObjRun(accountID, runStartedAt, object) != nil {
		return false
	}
	f.objRuns = append(f.objRuns, &fakeObjRun{
		accountID: accountID, runStartedAt: runStartedAt, object: object,
		status: "pending", updatedAt: f.clock(),
	})
	return true
}

func (f *Fake) tableFor(table string) map[string]*fakeRow2 {
	t := f.tables[table]
	if t == nil {
		t = make(map[string]*fakeRow2)
		f.tables[table] = t
	}
	return t
}

func (f *Fake) upsert(table, id string, payload []byte, accountID string, ts any, tombstone bool) error {
	tbl := f.tableFor(table)
	existing := tbl[id]

	var newTS time.Time
	if t, ok := ts.(time.Time); ok {
		newTS = t
	} else {
		newTS = f.clock()
	}

	if existing != nil && existing.lastSyncedAt != nil && newTS.Before(*existing.lastSyncedAt) {
		return valuesRow(false)
	}

	var raw map[string]any
	if tombstone {
		if existing != nil {
			raw = cloneMap(existing.raw)
		} else {
			raw = map[string]any{}
		}
		raw["id"] = id
		raw["deleted"] = true
	} else {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return errorRow(fmt.Errorf("storage: fake unmarshal upsert payload: %w", err))
		}
	}

	tbl[id] = &fakeRow2{raw: raw, accountID: accountID, lastSyncedAt: &newTS}
	return valuesRow(true)
}

func (f *Fake) hardDelete(table, id string) pgconn.CommandTag {
	tbl := f.tables[table]
	if tbl != nil {
		if _, ok := tbl[id]; ok {
			delete(tbl, id)
			return pgconn.NewCommandTag("DELETE 1")
		}
	}
	return pgconn.NewCommandTag("DELETE 0")
}

func (f *Fake) resolverFor(table, column string) func(raw map[string]any) (string, bool) {
	if fn, ok := f.resolvers[table+"."+column]; ok {
		return fn
	}
	return func(raw map[string]any) (string, bool) {
		v, ok := raw[column]
		if !ok {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
}

func (f *Fake) listChildIDs(table, column, parentID string) error {
	resolver := f.resolverFor(table, column)
	ids := []string{}
	for id, row := range f.tables[table] {
		if v, ok := resolver(row.raw); ok && v == parentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return valuesRow(ids)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
