package credstore

import (
	"sync"
	"time"
)

// CacheTTL is the default time-to-live for a memoised entry (spec.md 3
// RegistrationCacheEntry, 5 "cache TTL: 5 min").
const CacheTTL = 5 * time.Minute

type cacheEntry struct {
	registration *ConsoleRegistration
	isRegistered bool
	valid        bool
	cachedAt     time.Time
}

func (e cacheEntry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.cachedAt) > ttl
}

// CacheStats mirrors spec.md 4.I's required counters.
type CacheStats struct {
	TotalRequests int64
	Hits          int64
	Misses        int64
	Entries       int
	ExpiredCleaned int64
}

// Cache is the TTL-memoising layer in front of a Store. A single mutex
// serialises all operations; every method body is short, so this never
// becomes a contention point (spec.md 4.I "thread-safe: a single mutex
// suffices").
type Cache struct {
	mu      sync.Mutex
	store   Store
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry

	totalRequests  int64
	hits           int64
	misses         int64
	expiredCleaned int64
}

// NewCache wraps store with a TTL memo layer.
func NewCache(store Store) *Cache {
	return &Cache{
		store:   store,
		ttl:     CacheTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// IsRegistered reports whether ip has a valid, registered record. A
// cache hit short-circuits the store entirely; a miss consults the
// store and admits the result.
func (c *Cache) IsRegistered(ip string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++

	if entry, ok := c.entries[ip]; ok && !entry.expired(c.now(), c.ttl) {
		c.hits++
		return entry.isRegistered, nil
	}

	c.misses++
	reg, found, err := c.store.FindByIP(ip)
	if err != nil {
		return false, err
	}

	isRegistered := found && reg.IsRegistered && reg.IsValid
	c.admitLocked(ip, reg, isRegistered, isRegistered)
	return isRegistered, nil
}

// GetRegistration returns the registration for ip, populated only when
// the record is registered.
func (c *Cache) GetRegistration(ip string) (*ConsoleRegistration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++

	if entry, ok := c.entries[ip]; ok && !entry.expired(c.now(), c.ttl) {
		c.hits++
		if !entry.isRegistered {
			return nil, false, nil
		}
		return entry.registration, true, nil
	}

	c.misses++
	reg, found, err := c.store.FindByIP(ip)
	if err != nil {
		return nil, false, err
	}

	isRegistered := found && reg.IsRegistered && reg.IsValid
	c.admitLocked(ip, reg, isRegistered, isRegistered)
	if !isRegistered {
		return nil, false, nil
	}
	return reg, true, nil
}

// Add writes a registration through to the store first, then
// unconditionally invalidates the matching cache entry (spec.md 4.I:
// "all writes go to E first, then invalidate the matching entry
// unconditionally").
func (c *Cache) Add(reg ConsoleRegistration) error {
	if err := c.store.Save(reg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, reg.ConsoleIP)
	return nil
}

// Remove deletes a registration from the store, then invalidates.
func (c *Cache) Remove(ip string) error {
	if err := c.store.Delete(ip); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
	return nil
}

// Invalidate drops the cache entry for ip without touching the store.
// Idempotent: invalidating an already-absent entry is a no-op.
func (c *Cache) Invalidate(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		TotalRequests:  c.totalRequests,
		Hits:           c.hits,
		Misses:         c.misses,
		Entries:        len(c.entries),
		ExpiredCleaned: c.expiredCleaned,
	}
}

// admitLocked inserts or refreshes an entry, sweeping any already-expired
// entries first so the map does not grow unbounded (spec.md 3
// RegistrationCacheEntry: "entries older than TTL are swept before
// allocation"). Caller must hold c.mu.
func (c *Cache) admitLocked(ip string, reg *ConsoleRegistration, isRegistered, valid bool) {
	now := c.now()
	for k, e := range c.entries {
		if e.expired(now, c.ttl) {
			delete(c.entries, k)
			c.expiredCleaned++
		}
	}
	c.entries[ip] = cacheEntry{
		registration: reg,
		isRegistered: isRegistered,
		valid:        valid,
		cachedAt:     now,
	}
}
