package runstate

import (
	"context"
	"testing"
	"time"

	"github.com/sourcegraph-sync/cdcengine/internal/storage"
)

func TestValidTransition_StateGraph(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusComplete, false},
		{StatusRunning, StatusPending, true},
		{StatusRunning, StatusComplete, true},
		{StatusRunning, StatusError, true},
		{StatusComplete, StatusRunning, false},
		{StatusComplete, StatusPending, false},
		{StatusError, StatusRunning, false},
		{StatusError, StatusPending, false},
	}

	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusComplete, StatusError}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	nonTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestValidTransition_NoEdgeOutOfTerminal(t *testing.T) {
	for _, to := range []Status{StatusPending, StatusRunning, StatusComplete, StatusError} {
		if ValidTransition(StatusComplete, to) {
			t.Errorf("complete must have no outgoing edges, found edge to %s", to)
		}
		if ValidTransition(StatusError, to) {
			t.Errorf("error must have no outgoing edges, found edge to %s", to)
		}
	}
}

func TestTryStartObjectSync_OnlyClaimsItsOwnNamedObject(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	accountID, runStartedAt := "acct_1", time.Unix(0, 0)
	fake.SeedSyncRun(accountID, runStartedAt, 5)

	store := New(nil, fake)
	if err := store.CreateObjectRuns(ctx, accountID, runStartedAt, []string{"customer", "plan"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}

	started, _, err := store.TryStartObjectSync(ctx, accountID, runStartedAt, "customer")
	if err != nil {
		t.Fatalf("TryStartObjectSync: %v", err)
	}
	if !started {
		t.Fatal("expected customer to start")
	}

	// A goroutine pinned to "plan" must never observe "customer" getting
	// claimed out from under it, and vice versa: each call only ever
	// touches the row named in the call.
	status, _, _, _, ok := fake.ObjectRun(accountID, runStartedAt, "plan")
	if !ok || status != "pending" {
		t.Fatalf("expected plan to remain pending and untouched, got status=%s ok=%v", status, ok)
	}

	planStarted, _, err := store.TryStartObjectSync(ctx, accountID, runStartedAt, "plan")
	if err != nil {
		t.Fatalf("TryStartObjectSync(plan): %v", err)
	}
	if !planStarted {
		t.Fatal("expected plan to start independently of customer")
	}
}

func TestTryStartObjectSync_BlockedByConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	accountID, runStartedAt := "acct_1", time.Unix(0, 0)
	fake.SeedSyncRun(accountID, runStartedAt, 1)

	store := New(nil, fake)
	if err := store.CreateObjectRuns(ctx, accountID, runStartedAt, []string{"customer", "plan"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}

	started, _, err := store.TryStartObjectSync(ctx, accountID, runStartedAt, "customer")
	if err != nil || !started {
		t.Fatalf("expected customer to start, got started=%v err=%v", started, err)
	}

	blocked, _, err := store.TryStartObjectSync(ctx, accountID, runStartedAt, "plan")
	if err != nil {
		t.Fatalf("TryStartObjectSync(plan): %v", err)
	}
	if blocked {
		t.Fatal("expected plan to be blocked by the concurrency cap")
	}

	if err := store.CompleteObjectSync(ctx, accountID, runStartedAt, "customer"); err != nil {
		t.Fatalf("CompleteObjectSync: %v", err)
	}

	started, _, err = store.TryStartObjectSync(ctx, accountID, runStartedAt, "plan")
	if err != nil {
		t.Fatalf("TryStartObjectSync(plan) after cap frees up: %v", err)
	}
	if !started {
		t.Fatal("expected plan to start once the cap frees up")
	}
}

func TestTryStartObjectSync_TerminalObjectNeverRestarts(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	accountID, runStartedAt := "acct_1", time.Unix(0, 0)
	fake.SeedSyncRun(accountID, runStartedAt, 5)

	store := New(nil, fake)
	if err := store.CreateObjectRuns(ctx, accountID, runStartedAt, []string{"customer"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}
	if _, _, err := store.TryStartObjectSync(ctx, accountID, runStartedAt, "customer"); err != nil {
		t.Fatalf("TryStartObjectSync: %v", err)
	}
	if err := store.CompleteObjectSync(ctx, accountID, runStartedAt, "customer"); err != nil {
		t.Fatalf("CompleteObjectSync: %v", err)
	}

	started, _, err := store.TryStartObjectSync(ctx, accountID, runStartedAt, "customer")
	if err != nil {
		t.Fatalf("TryStartObjectSync after complete: %v", err)
	}
	if started {
		t.Fatal("a completed object-run must never restart")
	}

	status, err := store.ObjectStatus(ctx, accountID, runStartedAt, "customer")
	if err != nil {
		t.Fatalf("ObjectStatus: %v", err)
	}
	if status != StatusComplete {
		t.Fatalf("expected status complete, got %s", status)
	}
}

func TestSeedWatermarkFilter_SetOnceThenStable(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	accountID, runStartedAt := "acct_1", time.Unix(0, 0)
	fake.SeedSyncRun(accountID, runStartedAt, 5)

	store := New(nil, fake)
	if err := store.CreateObjectRuns(ctx, accountID, runStartedAt, []string{"subscription"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}
	if err := store.SeedWatermarkFilter(ctx, accountID, runStartedAt, "subscription", "100"); err != nil {
		t.Fatalf("SeedWatermarkFilter: %v", err)
	}
	if err := store.SeedWatermarkFilter(ctx, accountID, runStartedAt, "subscription", "999"); err != nil {
		t.Fatalf("SeedWatermarkFilter (second call): %v", err)
	}

	_, _, _, filter, ok := fake.ObjectRun(accountID, runStartedAt, "subscription")
	if !ok || filter == nil || *filter != "100" {
		t.Fatalf("expected watermark_filter to stay at the first-seeded value, got %v", filter)
	}
}

func TestGetLastCursorBeforeRun_FindsMostRecentCompletedRun(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	accountID := "acct_1"
	firstRun := time.Unix(100, 0)
	secondRun := time.Unix(200, 0)
	thirdRun := time.Unix(300, 0)

	fake.SeedSyncRun(accountID, firstRun, 5)
	fake.SeedSyncRun(accountID, secondRun, 5)
	store := New(nil, fake)

	for _, run := range []time.Time{firstRun, secondRun} {
		if err := store.CreateObjectRuns(ctx, accountID, run, []string{"customer"}); err != nil {
			t.Fatalf("CreateObjectRuns: %v", err)
		}
		if _, _, err := store.TryStartObjectSync(ctx, accountID, run, "customer"); err != nil {
			t.Fatalf("TryStartObjectSync: %v", err)
		}
		if err := store.UpdateObjectCursor(ctx, accountID, run, "customer", run.String()); err != nil {
			t.Fatalf("UpdateObjectCursor: %v", err)
		}
		if err := store.CompleteObjectSync(ctx, accountID, run, "customer"); err != nil {
			t.Fatalf("CompleteObjectSync: %v", err)
		}
	}

	cursor, err := store.GetLastCursorBeforeRun(ctx, accountID, "customer", thirdRun)
	if err != nil {
		t.Fatalf("GetLastCursorBeforeRun: %v", err)
	}
	if cursor == nil || *cursor != secondRun.String() {
		t.Fatalf("expected the second run's cursor (most recent completed), got %v", cursor)
	}
}
