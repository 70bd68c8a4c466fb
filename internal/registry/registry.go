// Package registry is the Resource Registry: a declarative, per-object-type
// record of function values (list/retrieve/dependency metadata) that every
// other component dispatches through instead of a switch statement per
// object type.
package registry

import (
	"context"
	"fmt"
	"sort"
)

// Object is a single remote object as returned by list/retrieve. Every
// object carries at least "id" and "object"; "created" and "deleted" are
// optional per the remote REST contract.
type Object = map[string]any

// Page is one page of a list response.
type Page struct {
	Data    []Object
	HasMore bool
}

// ListParams configures one call to ListFn.
type ListParams struct {
	Limit         int
	StartingAfter string
	CreatedGTE    *int64
	CreatedLTE    *int64
}

// ListFn fetches one page from the remote REST endpoint.
type ListFn func(ctx context.Context, params ListParams) (Page, error)

// RetrieveFn fetches a single object by id.
type RetrieveFn func(ctx context.Context, id string) (Object, error)

// IsFinalStateFn reports whether a webhook-delivered payload can be trusted
// as-is, or whether the object's mutable state requires a refetch.
type IsFinalStateFn func(obj Object) bool

// ListExpand describes a truncated child collection that must be eagerly
// paginated to completion before the parent is upserted.
type ListExpand struct {
	// CollectionProperty is the key in the parent payload holding the
	// truncated collection (itself shaped like a list response: {data,
	// has_more}).
	CollectionProperty string
	// List fetches one page of the child collection for the given parent.
	List func(ctx context.Context, parentID string, params ListParams) (Page, error)
}

// Sigma configures an object sourced from the analytical-query endpoint
// (§4.8) instead of the REST endpoints.
type Sigma struct {
	DestinationTable string
	CursorColumns     []string
	PageSize          int
	// Normalize maps one analytical-query result row (column name -> raw
	// string value) into the table's JSON entry shape.
	Normalize func(row map[string]string) (Object, error)
}

// ResourceConfig is the declarative per-object-type record. Built once at
// startup into a Registry; never mutated afterward.
type ResourceConfig struct {
	Name                  string
	Order                 int
	TableName             string
	Dependencies          []string
	ListFn                ListFn
	RetrieveFn            RetrieveFn
	SupportsCreatedFilter bool
	ListExpands           map[string]ListExpand
	IsFinalState          IsFinalStateFn
	Sigma                 *Sigma

	// ChildOf, when set, marks this resource as a collection child whose
	// removals are implicit in the parent payload (subscription_item-style
	// reconciliation). ParentIDField is the column of the child's table
	// holding the parent id, used to look up a parent's stored children.
	ChildOf       string
	ParentIDField string
}

// Registry is the built, queryable map of object type -> ResourceConfig.
type Registry struct {
	byName map[string]ResourceConfig
}

// New builds a Registry from a list of configs, validating that Order
// values are unique and Name is non-empty.
func New(configs []ResourceConfig) (*Registry, error) {
	byName := make(map[string]ResourceConfig, len(configs))
	orders := make(map[int]string, len(configs))

	for _, c := range configs {
		if c.Name == "" {
			return nil, fmt.Errorf("registry: resource config missing name")
		}
		if existingName, dup := orders[c.Order]; dup {
			return nil, fmt.Errorf("registry: order %d used by both %s and %s", c.Order, existingName, c.Name)
		}
		orders[c.Order] = c.Name
		byName[c.Name] = c
	}

	return &Registry{byName: byName}, nil
}

// Get looks up a resource by name.
func (r *Registry) Get(name string) (ResourceConfig, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Names returns every registered resource name in dependency order (parents
// before children), per the Order field.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.byName[names[i]].Order < r.byName[names[j]].Order
	})
	return names
}

// ChildrenOf returns every registered resource whose ChildOf names parent,
// in Order.
func (r *Registry) ChildrenOf(parent string) []ResourceConfig {
	var out []ResourceConfig
	for _, name := range r.Names() {
		if cfg := r.byName[name]; cfg.ChildOf == parent {
			out = append(out, cfg)
		}
	}
	return out
}

// DependencyOrder returns the requested subset of names sorted by Order. If
// names is empty, every registered resource is returned.
func (r *Registry) DependencyOrder(names []string) []string {
	if len(names) == 0 {
		return r.Names()
	}
	out := make([]string, len(names))
	copy(out, names)
	sort.Slice(out, func(i, j int) bool {
		oi, _ := r.byName[out[i]]
		oj, _ := r.byName[out[j]]
		return oi.Order < oj.Order
	})
	return out
}
