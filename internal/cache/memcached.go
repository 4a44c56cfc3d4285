package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/sale-price-service/internal/models"
)

const (
	keyPrefix = "saleprice:"

	// Relative expirations above 30 days are read by memcached as unix timestamps.
	maxRelativeExpiration = 30 * 24 * time.Hour
)

// MemcachedConfig configures MemcachedCache. Zero Timeout and MaxIdleConns keep
// the client defaults.
type MemcachedConfig struct {
	Addrs        []string
	Timeout      time.Duration
	MaxIdleConns int
}

// MemcachedCache implements Cache using memcached. Records are stored as JSON.
type MemcachedCache struct {
	client *memcache.Client
}

func NewMemcachedCache(cfg MemcachedConfig) *MemcachedCache {
	servers := cfg.Addrs
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	if cfg.MaxIdleConns > 0 {
		client.MaxIdleConns = cfg.MaxIdleConns
	}
	return &MemcachedCache{client: client}
}

// ParseAddrs splits a comma-separated server list, accepting an optional
// memcache:// scheme on each entry.
func ParseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimPrefix(strings.TrimSpace(a), "memcache://")
		a = strings.TrimSuffix(a, "/")
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Cache.Get. A miss is (zero, false, nil).
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.MedianSalePriceRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.MedianSalePriceRecord{}, false, err
	}
	item, err := c.client.Get(keyPrefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return models.MedianSalePriceRecord{}, false, nil
	}
	if err != nil {
		return models.MedianSalePriceRecord{}, false, fmt.Errorf("memcached get %s: %w", key, err)
	}

	var record models.MedianSalePriceRecord
	if err := json.Unmarshal(item.Value, &record); err != nil {
		return models.MedianSalePriceRecord{}, false, fmt.Errorf("decode cached record %s: %w", key, err)
	}
	return record, true, nil
}

// Set implements Cache.Set. TTLs outside (0, 30d] are clamped to 30 days.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.MedianSalePriceRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	if ttl <= 0 || ttl > maxRelativeExpiration {
		ttl = maxRelativeExpiration
	}
	return c.client.Set(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      raw,
		Expiration: int32(ttl / time.Second),
	})
}

// Ping checks that every server is reachable. Used by /health.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close releases idle connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
