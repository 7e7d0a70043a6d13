package carrier

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soyeahso/shipbot/internal/domain"
)

// Cache remembers quotes per route and parcel size so repeated quotes for
// the same shipment skip the provider. Purchases are never cached.
type Cache struct {
	next Client
	ttl  time.Duration
	now  func() time.Time

	hits   prometheus.Counter
	misses prometheus.Counter

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	rates  []domain.Rate
	stored time.Time
}

// CacheCounters receive cache hits and misses. Nil counters are replaced
// with unregistered ones.
type CacheCounters struct {
	Hits   prometheus.Counter
	Misses prometheus.Counter
}

// NewCache wraps next with a quote cache. A non-positive ttl disables caching.
func NewCache(next Client, ttl time.Duration, counters CacheCounters) *Cache {
	if counters.Hits == nil {
		counters.Hits = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_cache_hits_total"})
	}
	if counters.Misses == nil {
		counters.Misses = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_cache_misses_total"})
	}
	return &Cache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		hits:    counters.Hits,
		misses:  counters.Misses,
		entries: make(map[string]cacheEntry),
	}
}

// Name returns the wrapped provider's name.
func (c *Cache) Name() string { return c.next.Name() }

// CacheKey identifies a shipment for caching. Weight is rounded to a tenth
// of a pound and dimensions to whole inches.
func CacheKey(s domain.Shipment) string {
	p := s.Parcel
	raw := fmt.Sprintf(`{"dimensions":"%dx%dx%d","from_zip":%q,"to_zip":%q,"weight":%.1f}`,
		int(p.Length), int(p.Width), int(p.Height), s.From.Zip, s.To.Zip, math.Round(p.Weight*10)/10)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Quote returns cached rates when fresh, otherwise asks the provider.
func (c *Cache) Quote(ctx context.Context, s domain.Shipment) ([]domain.Rate, error) {
	if c.ttl <= 0 {
		return c.next.Quote(ctx, s)
	}
	key := CacheKey(s)

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().Sub(e.stored) > c.ttl {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		c.hits.Inc()
		return append([]domain.Rate(nil), e.rates...), nil
	}
	c.misses.Inc()

	rates, err := c.next.Quote(ctx, s)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{rates: append([]domain.Rate(nil), rates...), stored: c.now()}
	c.mu.Unlock()
	return rates, nil
}

// Purchase passes through to the provider.
func (c *Cache) Purchase(ctx context.Context, s domain.Shipment, r domain.Rate) (*domain.Label, error) {
	return c.next.Purchase(ctx, s, r)
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if c.now().Sub(e.stored) > c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached quotes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate forgets the quote for s, e.g. after the provider refused to
// buy one of its rates.
func (c *Cache) Invalidate(s domain.Shipment) {
	c.mu.Lock()
	delete(c.entries, CacheKey(s))
	c.mu.Unlock()
}
