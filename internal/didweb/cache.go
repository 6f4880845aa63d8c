package didweb

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheEntry is what gets cached per resolved did:web identity: the
// verification keys and the time they were cached, so repeat resolutions
// within the TTL skip the fetch.
type CacheEntry struct {
	Keys     [][]byte
	CachedAt time.Time
}

// Cache resolves cached did:web lookups. MemoryCache is the default;
// RedisCache lets multiple ADMP processes share one cache, mirroring
// the teacher's internal/queue package's redis.Client wrapper style.
type Cache interface {
	Get(ctx context.Context, did string) (CacheEntry, bool, error)
	Set(ctx context.Context, did string, entry CacheEntry) error
}

// MemoryCache is a bounded FIFO cache (spec.md §4.1: "cache bounded to
// 1000 entries with oldest-entry eviction").
type MemoryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	now      func() time.Time
}

type cacheItem struct {
	did   string
	entry CacheEntry
}

func NewMemoryCache(ttl time.Duration, capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, did string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[did]
	if !ok {
		return CacheEntry{}, false, nil
	}
	item := el.Value.(*cacheItem)
	if c.now().Sub(item.entry.CachedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, did)
		return CacheEntry{}, false, nil
	}
	return item.entry, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, did string, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[did]; ok {
		c.order.Remove(el)
		delete(c.entries, did)
	}
	el := c.order.PushBack(&cacheItem{did: did, entry: entry})
	c.entries[did] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheItem).did)
	}
	return nil
}

// RedisCache backs the did:web resolution cache with Redis, so a fleet
// of ADMP processes shares one cache instead of each cold-starting its
// own (SPEC_FULL.md domain-stack: go-redis/v9).
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: redis.NewClient(opt), ttl: ttl}, nil
}

func redisKey(did string) string { return "admp:didweb:" + did }

func (c *RedisCache) Get(ctx context.Context, did string) (CacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, redisKey(did)).Bytes()
	if err == redis.Nil {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (c *RedisCache) Set(ctx context.Context, did string, entry CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKey(did), raw, c.ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
