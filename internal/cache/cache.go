package cache

import (
	"strings"
	"sync"
	"time"
)

// Default values applied when Config fields are zero.
const (
	DefaultMaxSize = 1000
	DefaultTTL     = 5 * time.Minute
)

// Config controls cache capacity and the TTL applied by Set.
type Config struct {
	// MaxSize is the maximum number of entries held. Inserting beyond it
	// evicts the least-recently-used entry.
	MaxSize int

	// DefaultTTL is the expiry applied by Set. SetTTL overrides it per entry.
	DefaultTTL time.Duration
}

// Stats is a point-in-time snapshot of cache accounting.
type Stats struct {
	Size        int     `json:"size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	HitRate     float64 `json:"hit_rate"` // hits / (hits+misses); 0 before any access
}

// node is one entry in the recency list. head-ward is more recent.
type node[V any] struct {
	key    string
	value  V
	expiry time.Time
	prev   *node[V]
	next   *node[V]
}

// Cache is a TTL+LRU cache with string keys and values of type V.
// All methods are safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	maxSize    int
	defaultTTL time.Duration

	entries map[string]*node[V]
	head    *node[V] // most recently used
	tail    *node[V] // least recently used

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	now func() time.Time // injectable for deterministic tests
}

// New creates a Cache with the given configuration. Zero or negative
// MaxSize/DefaultTTL fall back to the package defaults.
func New[V any](cfg Config) *Cache[V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	return &Cache[V]{
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		entries:    make(map[string]*node[V]),
		now:        time.Now,
	}
}

// Get returns the value for key if present and unexpired, promoting the
// entry to most-recently-used. An expired entry is deleted on access and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if !c.now().Before(n.expiry) {
		c.removeLocked(n)
		c.expirations++
		c.misses++
		return zero, false
	}

	c.hits++
	c.promoteLocked(n)
	return n.value, true
}

// Set inserts or replaces the entry for key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL inserts or replaces the entry for key with an explicit TTL.
// New entries are inserted at the most-recently-used position; if the
// insert pushes the cache over capacity, the least-recently-used entry
// is evicted.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := c.now().Add(ttl)
	if n, ok := c.entries[key]; ok {
		n.value = value
		n.expiry = expiry
		c.promoteLocked(n)
		return
	}

	n := &node[V]{key: key, value: value, expiry: expiry}
	c.entries[key] = n
	c.pushFrontLocked(n)

	// Capacity can only be exceeded by one, so one eviction suffices.
	if len(c.entries) > c.maxSize {
		c.removeLocked(c.tail)
		c.evictions++
	}
}

// Invalidate removes the entry for key. It reports whether an entry was
// removed; invalidating an absent key is a no-op.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(n)
	return true
}

// InvalidateScope removes every entry whose key starts with prefix and
// returns the number removed. O(n) in cache size.
func (c *Cache[V]) InvalidateScope(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []*node[V]
	for key, n := range c.entries {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, n)
		}
	}
	for _, n := range matched {
		c.removeLocked(n)
	}
	return len(matched)
}

// Clear drops all entries and resets all counters to zero.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*node[V])
	c.head = nil
	c.tail = nil
	c.hits = 0
	c.misses = 0
	c.evictions = 0
	c.expirations = 0
}

// Len returns the current entry count, including entries that have expired
// but not yet been touched.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:        len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// --- recency list maintenance (callers hold c.mu) ----------------------------

// removeLocked unlinks n from the recency list and deletes its map entry,
// keeping both structures consistent.
func (c *Cache[V]) removeLocked(n *node[V]) {
	c.unlinkLocked(n)
	delete(c.entries, n.key)
}

func (c *Cache[V]) unlinkLocked(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

func (c *Cache[V]) pushFrontLocked(n *node[V]) {
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache[V]) promoteLocked(n *node[V]) {
	if c.head == n {
		return
	}
	c.unlinkLocked(n)
	c.pushFrontLocked(n)
}
