package fetcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

// DefaultCacheTTL bounds how long an upstream result is reused.
const DefaultCacheTTL = 30 * time.Second

type cacheKey struct {
	source string
	scope  string
}

type cacheEntry struct {
	observations []oracle.PriceObservation
	storedAt     time.Time
}

// Cache is a TTL cache over fetch results keyed by (source, scope). Expired
// entries are treated as absent, never served stale. Size is bounded by the
// fixed source/symbol set, so TTL is the only eviction policy.
type Cache struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

// NewCache constructs a cache with the given TTL (DefaultCacheTTL when <= 0).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Get returns the cached result for (source, scope) when still fresh.
func (c *Cache) Get(source, scope string) ([]oracle.PriceObservation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey{source: source, scope: scope}]
	if !ok {
		return nil, false
	}
	if c.clock().Sub(entry.storedAt) >= c.ttl {
		return nil, false
	}
	return entry.observations, true
}

// Put stores a successful fetch result.
func (c *Cache) Put(source, scope string, observations []oracle.PriceObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{source: source, scope: scope}] = cacheEntry{
		observations: observations,
		storedAt:     c.clock(),
	}
}

// CachedAdapter serves fetches from the cache and only hits the wrapped
// adapter on a miss. Writes happen only after a successful upstream fetch.
type CachedAdapter struct {
	adapter SourceAdapter
	cache   *Cache
}

// NewCachedAdapter wraps an adapter with the shared cache.
func NewCachedAdapter(adapter SourceAdapter, cache *Cache) *CachedAdapter {
	return &CachedAdapter{adapter: adapter, cache: cache}
}

// SourceID proxies the wrapped adapter's identifier.
func (a *CachedAdapter) SourceID() string {
	return a.adapter.SourceID()
}

// FetchPrices returns cached observations within the TTL window, refreshing
// FetchedAt so latency accounting stays local.
func (a *CachedAdapter) FetchPrices(ctx context.Context, symbols []string) []oracle.PriceObservation {
	scope := strings.Join(symbols, ",")
	if cached, ok := a.cache.Get(a.adapter.SourceID(), scope); ok {
		return cached
	}

	observations := a.adapter.FetchPrices(ctx, symbols)
	if len(observations) > 0 {
		a.cache.Put(a.adapter.SourceID(), scope, observations)
	}
	return observations
}

// CachedReference applies the same TTL discipline to the reference price.
type CachedReference struct {
	pricer ReferencePricer
	source string

	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]referenceEntry
}

type referenceEntry struct {
	price    decimal.Decimal
	storedAt time.Time
}

// NewCachedReference wraps a reference pricer with a per-symbol TTL cache.
func NewCachedReference(pricer ReferencePricer, ttl time.Duration) *CachedReference {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedReference{
		pricer:  pricer,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]referenceEntry),
	}
}

// GetPrice serves the cached price when fresh, otherwise fetches upstream.
func (r *CachedReference) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	r.mu.Lock()
	entry, ok := r.entries[symbol]
	fresh := ok && r.clock().Sub(entry.storedAt) < r.ttl
	r.mu.Unlock()

	if fresh {
		return entry.price, nil
	}

	price, err := r.pricer.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}

	r.mu.Lock()
	r.entries[symbol] = referenceEntry{price: price, storedAt: r.clock()}
	r.mu.Unlock()

	return price, nil
}

var (
	_ SourceAdapter   = (*CachedAdapter)(nil)
	_ ReferencePricer = (*CachedReference)(nil)
)
