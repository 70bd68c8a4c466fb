package backfill

import (
	"testing"

	"github.com/sourcegraph-sync/cdcengine/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]registry.ResourceConfig{
		{Name: "customer", Order: 0},
		{Name: "subscription", Order: 1},
		{Name: "subscription_item", Order: 2, ChildOf: "subscription", ParentIDField: "subscription"},
		{Name: "usage_record", Order: 3, Sigma: &registry.Sigma{DestinationTable: "usage_record", CursorColumns: []string{"id"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestPartition_SplitsByResourceKind(t *testing.T) {
	o := &Orchestrator{reg: newTestRegistry(t)}

	rest, sigma, child := o.partition([]string{"customer", "subscription", "subscription_item", "usage_record"})

	if len(rest) != 2 || rest[0] != "customer" || rest[1] != "subscription" {
		t.Fatalf("got rest %v, want [customer subscription]", rest)
	}
	if len(sigma) != 1 || sigma[0] != "usage_record" {
		t.Fatalf("got sigma %v, want [usage_record]", sigma)
	}
	if len(child) != 1 || child[0] != "subscription_item" {
		t.Fatalf("got child %v, want [subscription_item]", child)
	}
}

func TestPartition_UnknownNameSkipped(t *testing.T) {
	o := &Orchestrator{reg: newTestRegistry(t)}

	rest, sigma, child := o.partition([]string{"customer", "does_not_exist"})

	if len(rest) != 1 || rest[0] != "customer" {
		t.Fatalf("got rest %v, want [customer]", rest)
	}
	if len(sigma) != 0 || len(child) != 0 {
		t.Fatalf("expected no sigma/child objects, got sigma=%v child=%v", sigma, child)
	}
}
