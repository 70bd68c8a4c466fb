package backfill

import "testing"

func TestNormalizeConcurrencyLimit_PositivePassesThrough(t *testing.T) {
	if got := normalizeConcurrencyLimit(10); got != 10 {
		t.Fatalf("got %d, want 10", got)
	}
}

func TestNormalizeConcurrencyLimit_ZeroUsesDefault(t *testing.T) {
	if got := normalizeConcurrencyLimit(0); got != defaultConcurrencyLimit {
		t.Fatalf("got %d, want %d", got, defaultConcurrencyLimit)
	}
}

func TestNormalizeConcurrencyLimit_NegativeUsesDefault(t *testing.T) {
	if got := normalizeConcurrencyLimit(-3); got != defaultConcurrencyLimit {
		t.Fatalf("got %d, want %d", got, defaultConcurrencyLimit)
	}
}
