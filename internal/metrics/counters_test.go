package metrics

import (
	"context"
	"testing"
)

func TestMemoryCountersIncrementAndSnapshot(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()

	c.Increment(ctx, KindGenerate)
	c.Increment(ctx, KindGenerate)
	c.Increment(ctx, KindEnhance)

	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Today[KindGenerate] != 2 || snap.Lifetime[KindGenerate] != 2 {
		t.Errorf("generate counts = %d/%d, want 2/2", snap.Today[KindGenerate], snap.Lifetime[KindGenerate])
	}
	if snap.Today[KindEnhance] != 1 || snap.Lifetime[KindEnhance] != 1 {
		t.Errorf("enhance counts = %d/%d, want 1/1", snap.Today[KindEnhance], snap.Lifetime[KindEnhance])
	}
}

func TestMemoryCountersDayRollover(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()

	c.Increment(ctx, KindGenerate)
	c.day = "19991231" // force a stale day marker

	c.Increment(ctx, KindGenerate)
	snap, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Today[KindGenerate] != 1 {
		t.Errorf("today should reset on rollover, got %d", snap.Today[KindGenerate])
	}
	if snap.Lifetime[KindGenerate] != 2 {
		t.Errorf("lifetime must survive rollover, got %d", snap.Lifetime[KindGenerate])
	}
}

func TestSnapshotOnEmptyCounters(t *testing.T) {
	c := NewMemoryCounters()
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Today) != 0 || len(snap.Lifetime) != 0 {
		t.Errorf("expected empty maps, got %+v", snap)
	}
}
