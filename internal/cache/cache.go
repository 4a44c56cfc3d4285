package cache

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/kjstillabower/sale-price-service/internal/models"
)

// Cache defines the interface for sale-price record caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.MedianSalePriceRecord, bool, error)
	Set(ctx context.Context, key string, value models.MedianSalePriceRecord, ttl time.Duration) error
}

// Key builds the cache key for a (city, state) pair. City is escaped so the key
// carries no whitespace.
func Key(city, state string) string {
	return url.QueryEscape(city) + "," + state
}

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
}

type cacheEntry struct {
	value     models.MedianSalePriceRecord
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get returns (record, true, nil) on hit and (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.MedianSalePriceRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.MedianSalePriceRecord{}, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return models.MedianSalePriceRecord{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores the record with the given TTL.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.MedianSalePriceRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Ping always succeeds; it lets health checks treat both backends alike.
func (c *InMemoryCache) Ping() error { return nil }

// Close drops all entries.
func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]cacheEntry)
	return nil
}
