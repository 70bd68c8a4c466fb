package pagedriver

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcegraph-sync/cdcengine/internal/registry"
	"github.com/sourcegraph-sync/cdcengine/internal/runstate"
	"github.com/sourcegraph-sync/cdcengine/internal/storage"
	"github.com/sourcegraph-sync/cdcengine/internal/writepath"
)

func newTestDriver(t *testing.T, fake *storage.Fake, configs []registry.ResourceConfig) *Driver {
	t.Helper()
	reg, err := registry.New(configs)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	runs := runstate.New(nil, fake)
	writer := writepath.New(fake, fake)
	return New(reg, runs, writer, zerolog.Nop())
}

func TestLastID_ReturnsFinalEntryID(t *testing.T) {
	entries := []registry.Object{
		{"id": "cus_1"},
		{"id": "cus_2"},
		{"id": "cus_3"},
	}
	id, ok := lastID(entries)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if id != "cus_3" {
		t.Fatalf("got %s, want cus_3", id)
	}
}

func TestLastID_EmptySlice(t *testing.T) {
	if _, ok := lastID(nil); ok {
		t.Fatal("expected ok=false for empty slice")
	}
}

func TestLastID_MissingIDField(t *testing.T) {
	entries := []registry.Object{{"object": "customer"}}
	if _, ok := lastID(entries); ok {
		t.Fatal("expected ok=false when last entry has no id")
	}
}

func TestLastID_NonStringID(t *testing.T) {
	entries := []registry.Object{{"id": 42}}
	if _, ok := lastID(entries); ok {
		t.Fatal("expected ok=false for non-string id")
	}
}

func TestDerefOrEmpty_Nil(t *testing.T) {
	if got := derefOrEmpty(nil); got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestDerefOrEmpty_Set(t *testing.T) {
	s := "cus_123"
	if got := derefOrEmpty(&s); got != "cus_123" {
		t.Fatalf("got %q, want cus_123", got)
	}
}

func TestDefaultParallelConfig_Sane(t *testing.T) {
	cfg := DefaultParallelConfig()
	if cfg.Concurrency <= 0 {
		t.Fatal("expected positive concurrency")
	}
	if cfg.RequestsPerSec <= 0 {
		t.Fatal("expected positive rate limit")
	}
	if cfg.ProgressEvery <= 0 {
		t.Fatal("expected positive progress interval")
	}
}

func TestProcessNext_EmptyPageWithHasMoreFailsTheObjectRun(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	fake.SetHasDeletedColumn("customer", true)
	accountID, runStartedAt := "acct_1", time.Unix(0, 0)
	fake.SeedSyncRun(accountID, runStartedAt, 5)

	d := newTestDriver(t, fake, []registry.ResourceConfig{{
		Name: "customer", TableName: "customer",
		ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
			return registry.Page{Data: nil, HasMore: true}, nil
		},
	}})

	runs := runstate.New(nil, fake)
	if err := runs.CreateObjectRuns(ctx, accountID, runStartedAt, []string{"customer"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}

	if _, err := d.ProcessNext(ctx, accountID, runStartedAt, "customer"); err == nil {
		t.Fatal("expected an empty page reporting has_more to surface an error")
	}

	status, err := runs.ObjectStatus(ctx, accountID, runStartedAt, "customer")
	if err != nil {
		t.Fatalf("ObjectStatus: %v", err)
	}
	if status != runstate.StatusError {
		t.Fatalf("expected the object-run to be failed, got status=%s", status)
	}
}

func TestProcessNext_ResolvesWatermarkFilterFromLastCompletedRun(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	fake.SetHasDeletedColumn("customer", true)
	accountID := "acct_1"
	firstRun := time.Unix(100, 0)
	secondRun := time.Unix(200, 0)

	fake.SeedSyncRun(accountID, firstRun, 5)
	fake.SeedSyncRun(accountID, secondRun, 5)

	cfg := registry.ResourceConfig{
		Name: "customer", TableName: "customer", SupportsCreatedFilter: true,
	}

	// First run completes with a watermark cursor of 500.
	runs := runstate.New(nil, fake)
	if err := runs.CreateObjectRuns(ctx, accountID, firstRun, []string{"customer"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}
	if _, _, err := runs.TryStartObjectSync(ctx, accountID, firstRun, "customer"); err != nil {
		t.Fatalf("TryStartObjectSync: %v", err)
	}
	if err := runs.UpdateObjectCursor(ctx, accountID, firstRun, "customer", "500"); err != nil {
		t.Fatalf("UpdateObjectCursor: %v", err)
	}
	if err := runs.CompleteObjectSync(ctx, accountID, firstRun, "customer"); err != nil {
		t.Fatalf("CompleteObjectSync: %v", err)
	}

	var observedCreatedGTE *int64
	cfg.ListFn = func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
		observedCreatedGTE = params.CreatedGTE
		return registry.Page{
			Data:    []registry.Object{{"id": "cus_1", "created": float64(600)}},
			HasMore: false,
		}, nil
	}

	d := newTestDriver(t, fake, []registry.ResourceConfig{cfg})
	if err := runs.CreateObjectRuns(ctx, accountID, secondRun, []string{"customer"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}

	if _, err := d.ProcessNext(ctx, accountID, secondRun, "customer"); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	if observedCreatedGTE == nil || *observedCreatedGTE != 500 {
		t.Fatalf("expected the new walk's created.gte to resume from the prior run's watermark (500), got %v", observedCreatedGTE)
	}
}

func TestProcessNext_NeverClaimsAnotherPinnedObjectsRow(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	fake.SetHasDeletedColumn("customer", true)
	fake.SetHasDeletedColumn("plan", true)
	accountID, runStartedAt := "acct_1", time.Unix(0, 0)
	fake.SeedSyncRun(accountID, runStartedAt, 5)

	d := newTestDriver(t, fake, []registry.ResourceConfig{
		{
			Name: "customer", Order: 0, TableName: "customer",
			ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
				return registry.Page{Data: []registry.Object{{"id": "cus_1"}}, HasMore: false}, nil
			},
		},
		{
			Name: "plan", Order: 1, TableName: "plan",
			ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
				t.Fatal("plan's ListFn must never be called by a goroutine pinned to customer")
				return registry.Page{}, nil
			},
		},
	})

	runs := runstate.New(nil, fake)
	if err := runs.CreateObjectRuns(ctx, accountID, runStartedAt, []string{"customer", "plan"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}

	if _, err := d.ProcessNext(ctx, accountID, runStartedAt, "customer"); err != nil {
		t.Fatalf("ProcessNext(customer): %v", err)
	}

	status, _, _, _, ok := fake.ObjectRun(accountID, runStartedAt, "plan")
	if !ok || status != "pending" {
		t.Fatalf("expected plan to remain untouched and pending, got status=%s ok=%v", status, ok)
	}
}

func TestProcessNext_ExpandsAndReconcilesListExpandChildren(t *testing.T) {
	ctx := context.Background()
	fake := storage.NewFake(nil)
	fake.SetHasDeletedColumn("subscription", true)
	fake.SetHasDeletedColumn("subscription_item", true)
	fake.SetColumnResolver("subscription_item", "subscription_id", func(raw map[string]any) (string, bool) {
		v, ok := raw["subscription"].(string)
		return v, ok
	})
	accountID, runStartedAt := "acct_1", time.Unix(0, 0)
	fake.SeedSyncRun(accountID, runStartedAt, 5)

	d := newTestDriver(t, fake, []registry.ResourceConfig{
		{
			Name: "subscription", Order: 0, TableName: "subscription",
			ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
				return registry.Page{
					Data:    []registry.Object{{"id": "sub_1", "object": "subscription"}},
					HasMore: false,
				}, nil
			},
			ListExpands: map[string]registry.ListExpand{
				"subscription_item": {
					CollectionProperty: "items",
					List: func(ctx context.Context, parentID string, params registry.ListParams) (registry.Page, error) {
						return registry.Page{
							Data:    []registry.Object{{"id": "si_1", "subscription": parentID}},
							HasMore: false,
						}, nil
					},
				},
			},
		},
		{
			Name: "subscription_item", Order: 1, TableName: "subscription_item",
			ParentIDField: "subscription_id",
		},
	})

	runs := runstate.New(nil, fake)
	if err := runs.CreateObjectRuns(ctx, accountID, runStartedAt, []string{"subscription"}); err != nil {
		t.Fatalf("CreateObjectRuns: %v", err)
	}

	if _, err := d.ProcessNext(ctx, accountID, runStartedAt, "subscription"); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	raw, exists := fake.Row("subscription_item", "si_1")
	if !exists {
		t.Fatal("expected the collection child to be reconciled into its own table")
	}
	if raw["subscription"] != "sub_1" {
		t.Fatalf("unexpected child row: %v", raw)
	}
}
