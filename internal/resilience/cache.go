package resilience

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/agentgate/gateway/internal/cryptoutil"
)

// DefaultCacheCapacity bounds the LRU response cache.
const DefaultCacheCapacity = 1024

// CacheKey fingerprints a request: hash over tool, action, and the
// canonical params rendering, so key order in params never splits
// entries.
func CacheKey(tool, action string, params map[string]interface{}) (string, error) {
	canon, err := cryptoutil.CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize params: %w", err)
	}
	return cryptoutil.Sha256Hex([]byte(tool + "|" + action + "|" + string(canon))), nil
}

type cacheEntry struct {
	key       string
	value     map[string]interface{}
	expiresAt time.Time
}

// Cache is a TTL-aware LRU for successful adapter responses. Reads are
// concurrent via the outer lock; eviction is capacity-bounded.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
	nowFn    func() time.Time
}

// NewCache creates an LRU cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		nowFn:    time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if !c.nowFn().Before(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

// Put stores value under key for ttl, evicting the least recently used
// entry when at capacity. A non-positive ttl stores nothing.
func (c *Cache) Put(key string, value map[string]interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = c.nowFn().Add(ttl)
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: c.nowFn().Add(ttl),
	})
}

// Len reports the number of live entries, expired ones included until
// their next Get.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
