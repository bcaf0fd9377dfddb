package sync

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/store"
)

// CacheItem is one cached entity inside a scope cache.
type CacheItem struct {
	Key         string
	EntityType  string
	Attributes  map[string]string
	Data        json.RawMessage
	Size        int64
	Priority    store.Priority
	TTL         time.Duration // 0 falls back to the policy default
	InsertedAt  time.Time
	LastAccess  time.Time
	AccessCount int64
}

func (it *CacheItem) expired(now time.Time, defaultTTL time.Duration) bool {
	ttl := it.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	if ttl <= 0 {
		return false
	}
	return now.Sub(it.InsertedAt) >= ttl
}

// scopeCache holds the entries admitted under one policy. The mutex
// covers size recomputation plus removal so concurrent evictions cannot
// double-count; it is never held across a network call.
type scopeCache struct {
	mu    sync.Mutex
	items map[string]*CacheItem
	size  int64
}

// CacheEnforcer applies cache policies: scope admission, size budgets,
// eviction and TTL expiry. Caches are kept per policy.
type CacheEnforcer struct {
	mu     sync.Mutex
	clock  Clock
	scopes map[string]*scopeCache // policy ID → cache
}

func NewCacheEnforcer(clock Clock) *CacheEnforcer {
	return &CacheEnforcer{
		clock:  clock,
		scopes: make(map[string]*scopeCache),
	}
}

func (c *CacheEnforcer) scope(policyID string) *scopeCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.scopes[policyID]
	if !ok {
		sc = &scopeCache{items: make(map[string]*CacheItem)}
		c.scopes[policyID] = sc
	}
	return sc
}

// Admit reports whether an entity belongs to the policy's scope.
func Admit(entityType string, attrs map[string]string, policy *store.CachePolicy) bool {
	if len(policy.Scope.EntityTypes) > 0 {
		found := false
		for _, t := range policy.Scope.EntityTypes {
			if t == entityType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, want := range policy.Scope.Filters {
		if attrs[k] != want {
			return false
		}
	}
	if policy.Scope.UserID != "" && attrs["userId"] != policy.Scope.UserID {
		return false
	}
	if policy.Scope.OrganizationID != "" && attrs["organizationId"] != policy.Scope.OrganizationID {
		return false
	}
	if policy.Scope.BranchID != "" && attrs["branchId"] != policy.Scope.BranchID {
		return false
	}
	return true
}

// CurrentSize returns the serialized byte total held under the policy.
func (c *CacheEnforcer) CurrentSize(policyID string) int64 {
	sc := c.scope(policyID)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.size
}

// Put admits and stores an entity under the policy, evicting per the
// policy's eviction strategy when over budget. Returns ErrBudgetExceeded
// only when eviction cannot free enough space.
func (c *CacheEnforcer) Put(policy *store.CachePolicy, item *CacheItem) error {
	if !Admit(item.EntityType, item.Attributes, policy) {
		return fmt.Errorf("entity %s/%s outside cache scope of policy %s",
			item.EntityType, item.Key, policy.ID)
	}

	item.Size = int64(len(item.Data))
	if item.Size > policy.MaxCacheBytes() {
		return fmt.Errorf("%w: entry of %d bytes exceeds policy budget", ErrBudgetExceeded, item.Size)
	}

	now := c.clock.Now()
	item.InsertedAt = now
	item.LastAccess = now

	sc := c.scope(policy.ID)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if prev, ok := sc.items[item.Key]; ok {
		sc.size -= prev.Size
	}
	sc.items[item.Key] = item
	sc.size += item.Size

	if sc.size > policy.MaxCacheBytes() {
		c.evictLocked(sc, policy, now, item.Key)
	}
	if sc.size > policy.MaxCacheBytes() {
		// Nothing evictable was enough; reject the admission.
		sc.size -= item.Size
		delete(sc.items, item.Key)
		return ErrBudgetExceeded
	}
	return nil
}

// Get returns a cached entity and records the access for LRU/LFU.
func (c *CacheEnforcer) Get(policyID, key string) (*CacheItem, bool) {
	sc := c.scope(policyID)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	item, ok := sc.items[key]
	if !ok {
		return nil, false
	}
	item.LastAccess = c.clock.Now()
	item.AccessCount++
	return item, true
}

// EvictExpired removes every entry whose age exceeds its TTL, regardless
// of size pressure. Returns the number evicted.
func (c *CacheEnforcer) EvictExpired(policy *store.CachePolicy) int {
	sc := c.scope(policy.ID)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for key, item := range sc.items {
		if item.expired(now, policy.DefaultTTL) {
			sc.size -= item.Size
			delete(sc.items, key)
			evicted++
		}
	}
	if evicted > 0 {
		logger.Log.Debug("Evicted expired cache entries",
			zap.String("policyID", policy.ID), zap.Int("count", evicted))
	}
	return evicted
}

// evictLocked removes victims chosen by the policy's eviction strategy
// until the scope is back under budget. The entry named by protect (the
// one being admitted) is never a victim. Caller holds sc.mu.
func (c *CacheEnforcer) evictLocked(sc *scopeCache, policy *store.CachePolicy, now time.Time, protect string) {
	budget := policy.MaxCacheBytes()
	for sc.size > budget {
		victim := pickVictim(sc.items, policy, now, protect)
		if victim == "" {
			return
		}
		item := sc.items[victim]
		sc.size -= item.Size
		delete(sc.items, victim)
		logger.Log.Debug("Evicted cache entry",
			zap.String("policyID", policy.ID),
			zap.String("key", victim),
			zap.String("policy", string(policy.EvictionPolicy)),
		)
	}
}

func pickVictim(items map[string]*CacheItem, policy *store.CachePolicy, now time.Time, protect string) string {
	var victim string
	var best *CacheItem

	better := func(it, cur *CacheItem) bool {
		switch policy.EvictionPolicy {
		case store.EvictLFU:
			if it.AccessCount != cur.AccessCount {
				return it.AccessCount < cur.AccessCount
			}
			return it.LastAccess.Before(cur.LastAccess)
		case store.EvictFIFO:
			return it.InsertedAt.Before(cur.InsertedAt)
		case store.EvictTTL:
			return remainingTTL(it, policy, now) < remainingTTL(cur, policy, now)
		case store.EvictPriority:
			// Lowest declared priority first; ties fall back to LRU.
			if it.Priority != cur.Priority {
				return it.Priority > cur.Priority
			}
			return it.LastAccess.Before(cur.LastAccess)
		default: // LRU
			return it.LastAccess.Before(cur.LastAccess)
		}
	}

	for key, it := range items {
		if key == protect {
			continue
		}
		if best == nil || better(it, best) {
			best = it
			victim = key
		}
	}
	return victim
}

func remainingTTL(it *CacheItem, policy *store.CachePolicy, now time.Time) time.Duration {
	ttl := it.TTL
	if ttl == 0 {
		ttl = policy.DefaultTTL
	}
	if ttl <= 0 {
		return time.Duration(1<<62 - 1)
	}
	return ttl - now.Sub(it.InsertedAt)
}
