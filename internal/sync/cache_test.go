package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"offline-sync-engine/internal/store"
)

func testPolicy(id string, eviction store.EvictionPolicy) *store.CachePolicy {
	return &store.CachePolicy{
		ID:              id,
		Scope:           store.CacheScope{EntityTypes: []string{"record", "appointment"}},
		MaxCacheSizeMB:  1,
		DefaultTTL:      time.Hour,
		RefreshStrategy: store.RefreshOnConnect,
		EvictionPolicy:  eviction,
	}
}

func cacheItem(key string, size int) *CacheItem {
	return &CacheItem{
		Key:        key,
		EntityType: "record",
		Data:       json.RawMessage(bytes.Repeat([]byte("x"), size)),
	}
}

func TestAdmit_Scope(t *testing.T) {
	policy := &store.CachePolicy{
		ID: "p1",
		Scope: store.CacheScope{
			EntityTypes: []string{"record"},
			UserID:      "user-1",
			Filters:     map[string]string{"region": "east"},
		},
	}

	tests := []struct {
		name       string
		entityType string
		attrs      map[string]string
		want       bool
	}{
		{"full match", "record", map[string]string{"userId": "user-1", "region": "east"}, true},
		{"wrong entity type", "invoice", map[string]string{"userId": "user-1", "region": "east"}, false},
		{"wrong user", "record", map[string]string{"userId": "user-2", "region": "east"}, false},
		{"missing filter", "record", map[string]string{"userId": "user-1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Admit(tt.entityType, tt.attrs, policy); got != tt.want {
				t.Errorf("Admit = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPut_LRUEvictionUnderBudget(t *testing.T) {
	// 1 MB budget with three 400 KB entries: admitting the third must
	// evict the least recently used, not reject the write.
	clock := newFakeClock()
	c := NewCacheEnforcer(clock)
	policy := testPolicy("p1", store.EvictLRU)

	const size = 400 * 1024
	if err := c.Put(policy, cacheItem("a", size)); err != nil {
		t.Fatalf("Put(a) failed: %v", err)
	}
	clock.Advance(time.Second)
	if err := c.Put(policy, cacheItem("b", size)); err != nil {
		t.Fatalf("Put(b) failed: %v", err)
	}

	// Touch "a" so "b" becomes the LRU victim.
	clock.Advance(time.Second)
	if _, ok := c.Get("p1", "a"); !ok {
		t.Fatal("Get(a) missed")
	}

	clock.Advance(time.Second)
	if err := c.Put(policy, cacheItem("c", size)); err != nil {
		t.Fatalf("Put(c) should evict, got %v", err)
	}

	if _, ok := c.Get("p1", "b"); ok {
		t.Error("b should have been evicted as LRU")
	}
	if _, ok := c.Get("p1", "a"); !ok {
		t.Error("a should survive; it was accessed last")
	}
	if _, ok := c.Get("p1", "c"); !ok {
		t.Error("c should be admitted")
	}
	if got := c.CurrentSize("p1"); got > policy.MaxCacheBytes() {
		t.Errorf("size %d over budget %d after eviction", got, policy.MaxCacheBytes())
	}
}

func TestPut_LFUEviction(t *testing.T) {
	clock := newFakeClock()
	c := NewCacheEnforcer(clock)
	policy := testPolicy("p1", store.EvictLFU)

	const size = 400 * 1024
	c.Put(policy, cacheItem("hot", size))
	c.Put(policy, cacheItem("cold", size))
	for i := 0; i < 5; i++ {
		c.Get("p1", "hot")
	}

	if err := c.Put(policy, cacheItem("new", size)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := c.Get("p1", "cold"); ok {
		t.Error("cold should have been evicted as LFU")
	}
	if _, ok := c.Get("p1", "hot"); !ok {
		t.Error("hot should survive")
	}
}

func TestPut_FIFOEviction(t *testing.T) {
	clock := newFakeClock()
	c := NewCacheEnforcer(clock)
	policy := testPolicy("p1", store.EvictFIFO)

	const size = 400 * 1024
	c.Put(policy, cacheItem("first", size))
	clock.Advance(time.Second)
	c.Put(policy, cacheItem("second", size))

	// Accesses must not matter under FIFO.
	c.Get("p1", "first")
	c.Get("p1", "first")

	clock.Advance(time.Second)
	if err := c.Put(policy, cacheItem("third", size)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := c.Get("p1", "first"); ok {
		t.Error("first should have been evicted as oldest insertion")
	}
}

func TestPut_PriorityEviction(t *testing.T) {
	clock := newFakeClock()
	c := NewCacheEnforcer(clock)
	policy := testPolicy("p1", store.EvictPriority)

	const size = 400 * 1024
	critical := cacheItem("critical", size)
	critical.Priority = store.PriorityCritical
	background := cacheItem("background", size)
	background.Priority = store.PriorityBackground
	c.Put(policy, critical)
	c.Put(policy, background)

	next := cacheItem("next", size)
	next.Priority = store.PriorityNormal
	if err := c.Put(policy, next); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := c.Get("p1", "background"); ok {
		t.Error("background-priority entry should be evicted first")
	}
	if _, ok := c.Get("p1", "critical"); !ok {
		t.Error("critical entry should survive")
	}
}

func TestPut_TTLEvictionPicksClosestToExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewCacheEnforcer(clock)
	policy := testPolicy("p1", store.EvictTTL)

	const size = 400 * 1024
	shortLived := cacheItem("short", size)
	shortLived.TTL = time.Minute
	longLived := cacheItem("long", size)
	longLived.TTL = 24 * time.Hour
	c.Put(policy, shortLived)
	c.Put(policy, longLived)

	if err := c.Put(policy, cacheItem("new", size)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := c.Get("p1", "short"); ok {
		t.Error("entry closest to expiry should be evicted first")
	}
	if _, ok := c.Get("p1", "long"); !ok {
		t.Error("long-lived entry should survive")
	}
}

func TestPut_OversizedEntryRejected(t *testing.T) {
	c := NewCacheEnforcer(newFakeClock())
	policy := testPolicy("p1", store.EvictLRU)

	err := c.Put(policy, cacheItem("huge", 2*1024*1024))
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if got := c.CurrentSize("p1"); got != 0 {
		t.Errorf("rejected entry must not count against the budget, size=%d", got)
	}
}

func TestPut_ReplaceDoesNotDoubleCount(t *testing.T) {
	c := NewCacheEnforcer(newFakeClock())
	policy := testPolicy("p1", store.EvictLRU)

	c.Put(policy, cacheItem("a", 1000))
	c.Put(policy, cacheItem("a", 2000))
	if got := c.CurrentSize("p1"); got != 2000 {
		t.Errorf("size = %d after replace, want 2000", got)
	}
}

func TestEvictExpired(t *testing.T) {
	clock := newFakeClock()
	c := NewCacheEnforcer(clock)
	policy := testPolicy("p1", store.EvictLRU)
	policy.DefaultTTL = time.Minute

	c.Put(policy, cacheItem("stale", 100))
	keeper := cacheItem("fresh", 100)
	keeper.TTL = time.Hour
	c.Put(policy, keeper)

	// TTL expiry applies even though the cache is nowhere near budget.
	clock.Advance(2 * time.Minute)
	if got := c.EvictExpired(policy); got != 1 {
		t.Fatalf("EvictExpired = %d, want 1", got)
	}
	if _, ok := c.Get("p1", "stale"); ok {
		t.Error("stale entry should be gone")
	}
	if _, ok := c.Get("p1", "fresh"); !ok {
		t.Error("fresh entry should remain")
	}
	if got := c.CurrentSize("p1"); got != 100 {
		t.Errorf("size = %d after expiry, want 100", got)
	}
}

func TestPut_OutsideScopeRejected(t *testing.T) {
	c := NewCacheEnforcer(newFakeClock())
	policy := testPolicy("p1", store.EvictLRU)

	item := cacheItem("a", 100)
	item.EntityType = "invoice"
	if err := c.Put(policy, item); err == nil {
		t.Fatal("expected scope rejection")
	}
}
