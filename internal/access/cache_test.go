package access

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSource struct {
	properties map[string][]string
	calls      int
	err        error
}

func (s *fakeSource) GetManagerProperties(ctx context.Context, managerID string) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.properties[managerID], nil
}

func TestGetCachesWithinTTL(t *testing.T) {
	source := &fakeSource{properties: map[string][]string{"m1": {"p1", "p2"}}}
	cache := New(source, time.Minute)

	properties, err := cache.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := properties["p1"]; !ok {
		t.Fatalf("expected p1 in %v", properties)
	}

	if _, err := cache.Get(context.Background(), "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected one source call, got %d", source.calls)
	}
}

func TestGetRefreshesStaleEntry(t *testing.T) {
	source := &fakeSource{properties: map[string][]string{"m1": {"p1"}}}
	cache := New(source, time.Minute)

	now := time.Now()
	cache.now = func() time.Time { return now }
	if _, err := cache.Get(context.Background(), "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.properties["m1"] = []string{"p2"}
	cache.now = func() time.Time { return now.Add(2 * time.Minute) }
	properties, err := cache.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := properties["p2"]; !ok {
		t.Fatalf("expected refreshed entry with p2, got %v", properties)
	}
	if _, ok := properties["p1"]; ok {
		t.Fatalf("expected p1 dropped after refresh, got %v", properties)
	}
	if source.calls != 2 {
		t.Fatalf("expected two source calls, got %d", source.calls)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	source := &fakeSource{properties: map[string][]string{"m1": {"p1"}}}
	cache := New(source, time.Hour)

	if _, err := cache.Get(context.Background(), "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.properties["m1"] = nil
	cache.Invalidate("m1")

	properties, err := cache.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(properties) != 0 {
		t.Fatalf("expected empty set after revocation, got %v", properties)
	}
	if source.calls != 2 {
		t.Fatalf("expected two source calls, got %d", source.calls)
	}
}

func TestRefreshFailureFailsOpen(t *testing.T) {
	source := &fakeSource{properties: map[string][]string{"m1": {"p1"}}}
	cache := New(source, time.Minute)

	now := time.Now()
	cache.now = func() time.Time { return now }
	if _, err := cache.Get(context.Background(), "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source.err = errors.New("db down")
	cache.now = func() time.Time { return now.Add(2 * time.Minute) }
	properties, err := cache.Get(context.Background(), "m1")
	if !errors.Is(err, ErrStaleAccess) {
		t.Fatalf("expected ErrStaleAccess, got %v", err)
	}
	if _, ok := properties["p1"]; !ok {
		t.Fatalf("expected last-known-good set, got %v", properties)
	}
}

func TestRefreshFailureWithoutEntryDenies(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	cache := New(source, time.Minute)

	properties, err := cache.Get(context.Background(), "m1")
	if err == nil || errors.Is(err, ErrStaleAccess) {
		t.Fatalf("expected hard error, got %v", err)
	}
	if properties != nil {
		t.Fatalf("expected no access granted, got %v", properties)
	}
}
