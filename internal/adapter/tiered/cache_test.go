package tiered

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mapCache is an in-memory cache.Cache for exercising the tiers.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestGetHitsL1First(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)
	ctx := context.Background()

	_ = l1.Set(ctx, "k", []byte("from-l1"), 0)
	_ = l2.Set(ctx, "k", []byte("from-l2"), 0)

	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != "from-l1" {
		t.Errorf("expected L1 value, got %q", got)
	}
}

func TestL2HitBackfillsL1(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)
	ctx := context.Background()

	_ = l2.Set(ctx, "k", []byte("remote"), 0)

	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != "remote" {
		t.Errorf("expected remote value, got %q", got)
	}
	if v, ok, _ := l1.Get(ctx, "k"); !ok || string(v) != "remote" {
		t.Errorf("expected L1 backfill, got ok=%v v=%q", ok, v)
	}
}

func TestMissOnBothTiers(t *testing.T) {
	c := New(newMapCache(), newMapCache(), time.Minute)
	if _, ok, err := c.Get(context.Background(), "absent"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestSetAndDeleteReachBothTiers(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	for name, tier := range map[string]*mapCache{"l1": l1, "l2": l2} {
		if _, ok, _ := tier.Get(ctx, "k"); !ok {
			t.Errorf("expected %s to hold the key after Set", name)
		}
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	for name, tier := range map[string]*mapCache{"l1": l1, "l2": l2} {
		if _, ok, _ := tier.Get(ctx, "k"); ok {
			t.Errorf("expected %s to drop the key after Delete", name)
		}
	}
}
