// Package resources builds the resource registry's concrete ResourceConfig
// catalog: which object types this deployment syncs, which table each
// writes to, and how each is fetched from the remote provider. This is the
// one place that binds the generic C1-C8 machinery to a specific object
// graph (customer/plan/subscription/subscription_item/usage_record).
package resources

import (
	"context"
	"fmt"

	"github.com/sourcegraph-sync/cdcengine/internal/registry"
	"github.com/sourcegraph-sync/cdcengine/internal/remoteclient"
)

// Build constructs the registry for this deployment, wiring every
// ResourceConfig's list/retrieve functions against client.
func Build(client *remoteclient.Client) (*registry.Registry, error) {
	configs := []registry.ResourceConfig{
		{
			Name:                  "customer",
			Order:                 1,
			TableName:             "customer",
			SupportsCreatedFilter: true,
			ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
				return client.List(ctx, "/v1/customers", params)
			},
			RetrieveFn: func(ctx context.Context, id string) (registry.Object, error) {
				return client.Retrieve(ctx, "/v1/customers/"+id)
			},
			// A customer's balance/delinquency fields mutate after creation,
			// so a webhook-delivered payload cannot be trusted as final.
			IsFinalState: func(registry.Object) bool { return false },
		},
		{
			Name:                  "plan",
			Order:                 2,
			TableName:             "plan",
			SupportsCreatedFilter: true,
			ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
				return client.List(ctx, "/v1/plans", params)
			},
			RetrieveFn: func(ctx context.Context, id string) (registry.Object, error) {
				return client.Retrieve(ctx, "/v1/plans/"+id)
			},
			// Plans are immutable once created; the remote provider only
			// ever issues create/delete events for them.
			IsFinalState: func(registry.Object) bool { return true },
		},
		{
			Name:                  "subscription",
			Order:                 3,
			TableName:             "subscription",
			Dependencies:          []string{"customer", "plan"},
			SupportsCreatedFilter: true,
			ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
				return client.List(ctx, "/v1/subscriptions", params)
			},
			RetrieveFn: func(ctx context.Context, id string) (registry.Object, error) {
				return client.Retrieve(ctx, "/v1/subscriptions/"+id)
			},
			IsFinalState: func(registry.Object) bool { return false },
			ListExpands: map[string]registry.ListExpand{
				"subscription_item": {
					CollectionProperty: "items",
					List: func(ctx context.Context, parentID string, params registry.ListParams) (registry.Page, error) {
						return client.List(ctx, fmt.Sprintf("/v1/subscriptions/%s/items", parentID), params)
					},
				},
			},
		},
		{
			Name:          "subscription_item",
			Order:         4,
			TableName:     "subscription_item",
			Dependencies:  []string{"subscription"},
			ChildOf:       "subscription",
			ParentIDField: "subscription_id",
			ListFn: func(ctx context.Context, params registry.ListParams) (registry.Page, error) {
				return registry.Page{}, fmt.Errorf("resources: subscription_item is only synced via subscription's listExpands")
			},
			RetrieveFn: func(ctx context.Context, id string) (registry.Object, error) {
				return client.Retrieve(ctx, "/v1/subscription_items/"+id)
			},
			IsFinalState: func(registry.Object) bool { return true },
		},
		{
			Name:      "usage_record",
			Order:     5,
			TableName: "usage_record",
			Sigma: &registry.Sigma{
				DestinationTable: "usage_record",
				CursorColumns:    []string{"created_at", "id"},
				PageSize:         1000,
				Normalize:        normalizeUsageRecordRow,
			},
		},
	}

	return registry.New(configs)
}

func normalizeUsageRecordRow(row map[string]string) (registry.Object, error) {
	id, ok := row["id"]
	if !ok || id == "" {
		return nil, fmt.Errorf("resources: usage_record row missing id")
	}
	return registry.Object{
		"id":              id,
		"created_at":      row["created_at"],
		"subscription_id": row["subscription_id"],
		"quantity":        row["quantity"],
	}, nil
}

// NewAnalyticalDriverResources returns the subset of configs backed by the
// analytical-query endpoint (those with a non-nil Sigma), for callers that
// build a analytical.Driver keyed on object name.
func NewAnalyticalDriverResources(reg *registry.Registry) []string {
	var names []string
	for _, name := range reg.Names() {
		cfg, _ := reg.Get(name)
		if cfg.Sigma != nil {
			names = append(names, name)
		}
	}
	return names
}
