package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	// MinCapacity is the floor below which self-tuning never shrinks a tier.
	MinCapacity = 100

	shrinkHitRate = 0.5
	growHitRate   = 0.8
	growFillRatio = 0.9
	shrinkFactor  = 0.8
	growFactor    = 1.2
	minSampleSize = 20 // ignore hit rates until a tier saw this many lookups
)

// Stats are the per-tier cache counters.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

type tierCache struct {
	mu       sync.Mutex
	lru      *expirable.LRU[uuid.UUID, *domain.Memory]
	capacity int
	ttl      time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func (tc *tierCache) newLRU(capacity int) *expirable.LRU[uuid.UUID, *domain.Memory] {
	return expirable.NewLRU[uuid.UUID, *domain.Memory](capacity,
		func(uuid.UUID, *domain.Memory) { tc.evictions.Add(1) }, tc.ttl)
}

// TierCache is the advisory in-process cache layer: one bounded LRU per
// tier, TTL per tier, reads refresh recency. The vector gateway stays
// authoritative; every read path must fall through on miss.
type TierCache struct {
	mu     sync.RWMutex
	tiers  map[domain.Tier]*tierCache
	logger *zap.Logger
}

func NewTierCache(policies map[domain.Tier]domain.TierPolicy, logger *zap.Logger) *TierCache {
	c := &TierCache{
		tiers:  make(map[domain.Tier]*tierCache, len(policies)),
		logger: logger,
	}
	for _, tier := range domain.AllTiers() {
		pol := policies[tier]
		tc := &tierCache{capacity: pol.CacheCapacity, ttl: pol.CacheTTL}
		tc.lru = tc.newLRU(pol.CacheCapacity)
		c.tiers[tier] = tc
	}
	return c
}

// Get returns the cached memory for id in the given tier. A cached entry
// whose own tier disagrees with the requested tier is treated as a miss and
// dropped, so the cache never returns a memory under a stale tier.
func (c *TierCache) Get(id uuid.UUID, tier domain.Tier) (*domain.Memory, bool) {
	tc := c.tier(tier)
	if tc == nil {
		return nil, false
	}

	tc.mu.Lock()
	m, ok := tc.lru.Get(id)
	if ok && m.Tier != tier {
		tc.lru.Remove(id)
		ok = false
	}
	tc.mu.Unlock()

	if !ok {
		tc.misses.Add(1)
		return nil, false
	}
	tc.hits.Add(1)
	return m, true
}

// Put stores the memory in the cache for its own tier.
func (c *TierCache) Put(m *domain.Memory) {
	tc := c.tier(m.Tier)
	if tc == nil {
		return
	}
	tc.mu.Lock()
	tc.lru.Add(m.ID, m)
	tc.mu.Unlock()
}

// Invalidate removes the id from the given tiers, or from every tier when
// none are named.
func (c *TierCache) Invalidate(id uuid.UUID, tiers ...domain.Tier) {
	if len(tiers) == 0 {
		tiers = domain.AllTiers()
	}
	for _, tier := range tiers {
		if tc := c.tier(tier); tc != nil {
			tc.mu.Lock()
			tc.lru.Remove(id)
			tc.mu.Unlock()
		}
	}
}

// PurgeStale touches every entry so TTL-expired ones get dropped.
func (c *TierCache) PurgeStale() {
	for _, tier := range domain.AllTiers() {
		tc := c.tier(tier)
		if tc == nil {
			continue
		}
		tc.mu.Lock()
		for _, id := range tc.lru.Keys() {
			// Get drops an expired entry; counters stay untouched since
			// this is not a client lookup.
			tc.lru.Get(id)
		}
		tc.mu.Unlock()
	}
}

// Clear empties the named tier, or all tiers when none is given.
func (c *TierCache) Clear(tiers ...domain.Tier) {
	if len(tiers) == 0 {
		tiers = domain.AllTiers()
	}
	for _, tier := range tiers {
		if tc := c.tier(tier); tc != nil {
			tc.mu.Lock()
			tc.lru.Purge()
			tc.mu.Unlock()
		}
	}
}

// Retune applies the hit-rate-driven resize rule after a housekeeping tick:
// cold tiers shrink to 80% of capacity (never below MinCapacity), hot and
// nearly full tiers grow to 120%. Resizing preserves the most recently used
// entries. Counters reset after each retune so the next window is clean.
func (c *TierCache) Retune() {
	for _, tier := range domain.AllTiers() {
		tc := c.tier(tier)
		if tc == nil {
			continue
		}

		hits := tc.hits.Load()
		misses := tc.misses.Load()
		lookups := hits + misses
		if lookups < minSampleSize {
			continue
		}
		hitRate := float64(hits) / float64(lookups)

		tc.mu.Lock()
		size := tc.lru.Len()
		fill := float64(size) / float64(tc.capacity)

		newCapacity := tc.capacity
		switch {
		case hitRate < shrinkHitRate && tc.capacity > MinCapacity:
			newCapacity = int(float64(tc.capacity) * shrinkFactor)
			if newCapacity < MinCapacity {
				newCapacity = MinCapacity
			}
		case hitRate > growHitRate && fill > growFillRatio:
			newCapacity = int(float64(tc.capacity) * growFactor)
		}

		if newCapacity != tc.capacity {
			c.logger.Info("retuning tier cache",
				zap.String("tier", string(tier)),
				zap.Float64("hit_rate", hitRate),
				zap.Int("old_capacity", tc.capacity),
				zap.Int("new_capacity", newCapacity))
			tc.resizeLocked(newCapacity)
		}
		tc.mu.Unlock()

		tc.hits.Store(0)
		tc.misses.Store(0)
	}
}

// resizeLocked rebuilds the LRU at the new capacity, replaying entries
// oldest-first so the most recently used survive a shrink.
func (tc *tierCache) resizeLocked(capacity int) {
	old := tc.lru
	tc.capacity = capacity
	tc.lru = tc.newLRU(capacity)
	for _, id := range old.Keys() {
		if m, ok := old.Peek(id); ok {
			tc.lru.Add(id, m)
		}
	}
}

// Stats returns a snapshot of the per-tier counters.
func (c *TierCache) Stats() map[domain.Tier]Stats {
	out := make(map[domain.Tier]Stats, len(c.tiers))
	for _, tier := range domain.AllTiers() {
		tc := c.tier(tier)
		if tc == nil {
			continue
		}
		hits := tc.hits.Load()
		misses := tc.misses.Load()
		s := Stats{
			Hits:      hits,
			Misses:    misses,
			Evictions: tc.evictions.Load(),
			Capacity:  tc.capacity,
		}
		tc.mu.Lock()
		s.Size = tc.lru.Len()
		tc.mu.Unlock()
		if hits+misses > 0 {
			s.HitRate = float64(hits) / float64(hits+misses)
		}
		out[tier] = s
	}
	return out
}

func (c *TierCache) tier(t domain.Tier) *tierCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tiers[t]
}
