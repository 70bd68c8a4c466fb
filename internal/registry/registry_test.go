package registry

import "testing"

func TestNew_OrdersByOrderField(t *testing.T) {
	r, err := New([]ResourceConfig{
		{Name: "subscription_item", Order: 2},
		{Name: "customer", Order: 0},
		{Name: "subscription", Order: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.Names()
	want := []string{"customer", "subscription", "subscription_item"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNew_RejectsMissingName(t *testing.T) {
	_, err := New([]ResourceConfig{{Order: 0}})
	if err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestNew_RejectsDuplicateOrder(t *testing.T) {
	_, err := New([]ResourceConfig{
		{Name: "customer", Order: 0},
		{Name: "plan", Order: 0},
	})
	if err == nil {
		t.Fatal("expected error for duplicate order")
	}
}

func TestGet_Found(t *testing.T) {
	r, err := New([]ResourceConfig{{Name: "customer", Order: 0, TableName: "customer"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := r.Get("customer")
	if !ok {
		t.Fatal("expected customer to be found")
	}
	if c.TableName != "customer" {
		t.Fatalf("got table %s, want customer", c.TableName)
	}
}

func TestGet_NotFound(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected not found")
	}
}

func TestDependencyOrder_SubsetSortedByOrder(t *testing.T) {
	r, err := New([]ResourceConfig{
		{Name: "subscription_item", Order: 2},
		{Name: "customer", Order: 0},
		{Name: "subscription", Order: 1},
		{Name: "plan", Order: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.DependencyOrder([]string{"subscription_item", "customer"})
	want := []string{"customer", "subscription_item"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDependencyOrder_EmptyReturnsAll(t *testing.T) {
	r, err := New([]ResourceConfig{
		{Name: "plan", Order: 1},
		{Name: "customer", Order: 0},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.DependencyOrder(nil)
	if len(got) != 2 || got[0] != "customer" || got[1] != "plan" {
		t.Fatalf("got %v, want [customer plan]", got)
	}
}
