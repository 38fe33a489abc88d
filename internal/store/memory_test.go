package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := completed("a", 1)
	rec.Delivered = []string{"log"}
	if err := m.Save(ctx, rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	rec.Delivered[0] = "mutated"

	got, err := m.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Delivered[0] != "log" {
		t.Errorf("stored record shares memory with caller: %v", got.Delivered)
	}
	got.Delivered[0] = "mutated"
	again, _ := m.Load(ctx, "a")
	if again.Delivered[0] != "log" {
		t.Errorf("loaded record shares memory with store: %v", again.Delivered)
	}
}

func TestMemory_LenAndIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"c", "a", "b"} {
		if err := m.Save(ctx, tracking(id, 1)); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}

	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
	ids := m.IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("IDs() = %v", ids)
	}
}

func TestMemory_HonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMemory()

	if err := m.Save(ctx, tracking("a", 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("Save() error = %v, want context.Canceled", err)
	}
	if _, err := m.Load(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
}
