package transcript

import (
	"context"
	"testing"
)

func TestInMemoryStoreKeepsNewestFirst(t *testing.T) {
	s := NewInMemoryStore(3)
	ctx := context.Background()
	for _, heard := range []string{"one", "two", "three", "four"} {
		if err := s.Save(ctx, Record{Device: "AA:BB:CC:DD:EE:FF", Heard: heard}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	_ = s.Save(ctx, Record{Device: "11:22:33:44:55:66", Heard: "other"})

	got, err := s.Recent(ctx, "AA:BB:CC:DD:EE:FF", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(Recent()) = %d, want 3", len(got))
	}
	if got[0].Heard != "four" || got[2].Heard != "two" {
		t.Fatalf("order = %q,%q,%q", got[0].Heard, got[1].Heard, got[2].Heard)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", got[0])
	}

	limited, _ := s.Recent(ctx, "AA:BB:CC:DD:EE:FF", 1)
	if len(limited) != 1 || limited[0].Heard != "four" {
		t.Fatalf("Recent(limit=1) = %+v", limited)
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), Options{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", s)
	}
}
