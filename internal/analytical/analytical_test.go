package analytical

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph-sync/cdcengine/internal/registry"
)

func TestBuildQuery_FirstRunHasNoPredicate(t *testing.T) {
	sigma := &registry.Sigma{DestinationTable: "usage_records", CursorColumns: []string{"created_at", "id"}, PageSize: 500}
	q, err := BuildQuery(sigma, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(q, "WHERE") {
		t.Fatalf("expected no WHERE clause on first run, got %q", q)
	}
	if !strings.Contains(q, "LIMIT 500") {
		t.Fatalf("expected LIMIT 500, got %q", q)
	}
}

func TestBuildQuery_SubsequentRunHasTuplePredicate(t *testing.T) {
	sigma := &registry.Sigma{DestinationTable: "usage_records", CursorColumns: []string{"created_at", "id"}, PageSize: 500}
	q, err := BuildQuery(sigma, map[string]string{"created_at": "2026-01-01T00:00:00Z", "id": "ur_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(q, "(created_at, id) > ('2026-01-01T00:00:00Z', 'ur_1')") {
		t.Fatalf("expected tuple predicate, got %q", q)
	}
}

func TestBuildQuery_EscapesQuotes(t *testing.T) {
	sigma := &registry.Sigma{DestinationTable: "usage_records", CursorColumns: []string{"id"}}
	q, err := BuildQuery(sigma, map[string]string{"id": "o'brien"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(q, "o''brien") {
		t.Fatalf("expected escaped quote, got %q", q)
	}
}

func TestBuildQuery_NilSigma(t *testing.T) {
	if _, err := BuildQuery(nil, nil); err == nil {
		t.Fatal("expected error for nil sigma")
	}
}

func TestBuildQuery_MissingCursorColumn(t *testing.T) {
	sigma := &registry.Sigma{DestinationTable: "t", CursorColumns: []string{"a", "b"}}
	if _, err := BuildQuery(sigma, map[string]string{"a": "1"}); err == nil {
		t.Fatal("expected error for missing cursor column value")
	}
}

func TestEncodeDecodeCursor_RoundTrips(t *testing.T) {
	original := map[string]string{"created_at": "2026-01-01", "id": "ur_1"}
	encoded, err := EncodeCursor(original)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := DecodeCursor(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != len(original) || decoded["id"] != "ur_1" {
		t.Fatalf("got %v, want %v", decoded, original)
	}
}

func TestDecodeCursor_EmptyStringIsNil(t *testing.T) {
	decoded, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != nil {
		t.Fatalf("expected nil, got %v", decoded)
	}
}

func TestNormalizeCSV_ReturnsEntriesAndLastRow(t *testing.T) {
	csvBody := "id,amount\nur_1,100\nur_2,200\n"
	sigma := &registry.Sigma{
		Normalize: func(row map[string]string) (registry.Object, error) {
			return registry.Object{"id": row["id"], "amount": row["amount"]}, nil
		},
	}
	entries, lastRow, err := normalizeCSV(strings.NewReader(csvBody), sigma)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if lastRow["id"] != "ur_2" {
		t.Fatalf("got last row id %q, want ur_2", lastRow["id"])
	}
}

func TestNormalizeCSV_EmptyBody(t *testing.T) {
	sigma := &registry.Sigma{Normalize: func(row map[string]string) (registry.Object, error) { return nil, nil }}
	entries, lastRow, err := normalizeCSV(strings.NewReader(""), sigma)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries != nil || lastRow != nil {
		t.Fatalf("expected nil results for empty body")
	}
}

type fakeRemoteClient struct {
	statuses []RunStatus
	calls    int
}

func (f *fakeRemoteClient) CreateQueryRun(ctx context.Context, query string) (string, error) {
	return "run_1", nil
}

func (f *fakeRemoteClient) GetQueryRunStatus(ctx context.Context, runID string) (RunStatus, error) {
	idx := f.calls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.calls++
	return f.statuses[idx], nil
}

func (f *fakeRemoteClient) DownloadResultFile(ctx context.Context, runID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("id\nur_1\n")), nil
}

func TestPollUntilTerminal_ReturnsOnTerminalStatus(t *testing.T) {
	remote := &fakeRemoteClient{statuses: []RunStatus{RunPending, RunRunning, RunDone}}
	d := (&Driver{remote: remote}).WithPollConfig(PollConfig{Interval: time.Millisecond, Timeout: time.Second})

	status, err := d.pollUntilTerminal(context.Background(), "run_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != RunDone {
		t.Fatalf("got %s, want %s", status, RunDone)
	}
}

func TestPollUntilTerminal_TimesOut(t *testing.T) {
	remote := &fakeRemoteClient{statuses: []RunStatus{RunRunning}}
	d := (&Driver{remote: remote}).WithPollConfig(PollConfig{Interval: time.Millisecond, Timeout: 5 * time.Millisecond})

	_, err := d.pollUntilTerminal(context.Background(), "run_1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
