// Package analytical is the Analytical Query Driver: backfills and
// refreshes objects sourced from the remote provider's analytical-query
// endpoint (usage records, balance transactions, and similar derived data
// that is queried rather than listed) by submitting a query, polling it to
// a terminal status, downloading the result file, and normalizing rows into
// the same upsert contract every other synced object uses.
package analytical

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcegraph-sync/cdcengine/internal/registry"
	"github.com/sourcegraph-sync/cdcengine/internal/writepath"
)

// RunStatus is the lifecycle of one submitted query run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "completed"
	RunFailed  RunStatus = "failed"
)

func isTerminal(s RunStatus) bool { return s == RunDone || s == RunFailed }

// RemoteClient is the subset of the reference transport client this driver
// needs: submit a query, poll its status, download its result file.
type RemoteClient interface {
	CreateQueryRun(ctx context.Context, query string) (runID string, err error)
	GetQueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	DownloadResultFile(ctx context.Context, runID string) (io.ReadCloser, error)
}

// PollConfig tunes the poll-until-terminal loop.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPollConfig polls every two seconds, giving up after ten minutes.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 2 * time.Second, Timeout: 10 * time.Minute}
}

// Driver drives one analytical-query object type to completion.
type Driver struct {
	reg    *registry.Registry
	writer *writepath.Writer
	remote RemoteClient
	poll   PollConfig
	logger zerolog.Logger
}

// New builds a Driver.
func New(reg *registry.Registry, writer *writepath.Writer, remote RemoteClient, logger zerolog.Logger) *Driver {
	return &Driver{reg: reg, writer: writer, remote: remote, poll: DefaultPollConfig(), logger: logger}
}

// WithPollConfig overrides the poll interval/timeout.
func (d *Driver) WithPollConfig(cfg PollConfig) *Driver {
	d.poll = cfg
	return d
}

// BuildQuery renders the cursor-tuple predicate for the registered columns
// against the stored cursor (nil for a first run) and appends it to a
// SELECT * FROM <table> base, ordered by the same tuple ascending and capped
// at PageSize — the multi-column generalization of a
// "(created_at, id) < ($1, $2)" keyset predicate, rendered as literals
// because the analytical-query endpoint accepts a query string, not
// parameterized SQL.
func BuildQuery(sigma *registry.Sigma, cursor map[string]string) (string, error) {
	if sigma == nil {
		return "", fmt.Errorf("analytical: resource has no analytical-query configuration")
	}
	if len(sigma.CursorColumns) == 0 {
		return "", fmt.Errorf("analytical: resource has no cursor columns configured")
	}

	limit := sigma.PageSize
	if limit <= 0 {
		limit = 10000
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", sigma.DestinationTable)

	if len(cursor) > 0 {
		b.WriteString(" WHERE (")
		b.WriteString(strings.Join(sigma.CursorColumns, ", "))
		b.WriteString(") > (")
		for i, col := range sigma.CursorColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			val, ok := cursor[col]
			if !ok {
				return "", fmt.Errorf("analytical: cursor missing value for column %q", col)
			}
			fmt.Fprintf(&b, "'%s'", escapeLiteral(val))
		}
		b.WriteString(")")
	}

	fmt.Fprintf(&b, " ORDER BY %s ASC LIMIT %d", strings.Join(sigma.CursorColumns, ", "), limit)
	return b.String(), nil
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// EncodeCursor/DecodeCursor persist a multi-column cursor tuple in the
// single string column the run-state store provides.
func EncodeCursor(cursor map[string]string) (string, error) {
	b, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("analytical: encode cursor: %w", err)
	}
	return string(b), nil
}

// DecodeCursor parses a cursor previously produced by EncodeCursor. An empty
// string decodes to nil (first run).
func DecodeCursor(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var cursor map[string]string
	if err := json.Unmarshal([]byte(s), &cursor); err != nil {
		return nil, fmt.Errorf("analytical: decode cursor: %w", err)
	}
	return cursor, nil
}

// RunOnce submits one query for object starting from cursor, polls it to
// completion, downloads and normalizes the result, applies it through the
// write path, and returns the advanced cursor (nil if the result was
// empty, meaning the caller should stop).
func (d *Driver) RunOnce(ctx context.Context, accountID, object string, cursor map[string]string) (map[string]string, int, error) {
	cfg, ok := d.reg.Get(object)
	if !ok {
		return nil, 0, fmt.Errorf("analytical: unknown object %q", object)
	}
	if cfg.Sigma == nil {
		return nil, 0, fmt.Errorf("analytical: object %q has no analytical-query configuration", object)
	}
	if cfg.Sigma.Normalize == nil {
		return nil, 0, fmt.Errorf("analytical: object %q has no row normalizer", object)
	}

	query, err := BuildQuery(cfg.Sigma, cursor)
	if err != nil {
		return nil, 0, err
	}

	runID, err := d.remote.CreateQueryRun(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("analytical: create query run for %s: %w", object, err)
	}

	status, err := d.pollUntilTerminal(ctx, runID)
	if err != nil {
		return nil, 0, fmt.Errorf("analytical: poll query run %s: %w", runID, err)
	}
	if status == RunFailed {
		return nil, 0, fmt.Errorf("analytical: query run %s failed", runID)
	}

	file, err := d.remote.DownloadResultFile(ctx, runID)
	if err != nil {
		return nil, 0, fmt.Errorf("analytical: download result for %s: %w", runID, err)
	}
	defer file.Close()

	entries, lastRow, err := normalizeCSV(file, cfg.Sigma)
	if err != nil {
		return nil, 0, fmt.Errorf("analytical: normalize result for %s: %w", object, err)
	}
	if len(entries) == 0 {
		return nil, 0, nil
	}

	if _, err := d.writer.UpsertMany(ctx, entries, cfg.TableName, accountID, nil); err != nil {
		return nil, 0, fmt.Errorf("analytical: upsert %s: %w", object, err)
	}

	nextCursor := make(map[string]string, len(cfg.Sigma.CursorColumns))
	for _, col := range cfg.Sigma.CursorColumns {
		nextCursor[col] = lastRow[col]
	}

	return nextCursor, len(entries), nil
}

// RunUntilDone repeatedly calls RunOnce until a page comes back empty,
// advancing the cursor after every page. It returns the total rows applied
// and the final cursor, for the caller to persist as the object-run's
// watermark.
func (d *Driver) RunUntilDone(ctx context.Context, accountID, object string, startCursor map[string]string) (int, map[string]string, error) {
	cursor := startCursor
	total := 0
	for {
		select {
		case <-ctx.Done():
			return total, cursor, ctx.Err()
		default:
		}

		next, n, err := d.RunOnce(ctx, accountID, object, cursor)
		if err != nil {
			return total, cursor, err
		}
		total += n
		if n == 0 {
			return total, cursor, nil
		}
		cursor = next
	}
}

func (d *Driver) pollUntilTerminal(ctx context.Context, runID string) (RunStatus, error) {
	deadline := time.Now().Add(d.poll.Timeout)
	ticker := time.NewTicker(d.poll.Interval)
	defer ticker.Stop()

	for {
		status, err := d.remote.GetQueryRunStatus(ctx, runID)
		if err != nil {
			return "", err
		}
		if isTerminal(status) {
			return status, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("analytical: query run %s did not complete within %s", runID, d.poll.Timeout)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func normalizeCSV(r io.Reader, sigma *registry.Sigma) ([]registry.Object, map[string]string, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	var entries []registry.Object
	var lastRow map[string]string

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row: %w", err)
		}

		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}

		entry, err := sigma.Normalize(row)
		if err != nil {
			return nil, nil, fmt.Errorf("normalize row: %w", err)
		}

		entries = append(entries, entry)
		lastRow = row
	}

	return entries, lastRow, nil
}
