package cache

import (
	"sync"
	"time"

	"github.com/depotd/depot/internal/core/models"
)

// Entry is one cached payload with its access bookkeeping. Entries are
// returned by value; the Payload slice is shared and must not be mutated
// by callers.
type Entry struct {
	Key            string
	Payload        []byte
	ContentType    string
	CreatedAt      time.Time
	TTL            time.Duration
	AccessCount    uint64
	LastAccessedAt time.Time
}

// Expired reports whether the entry's TTL has lapsed at now. The cache
// does not scan for expiry itself: callers receiving an expired hit treat
// it as a miss and re-populate.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// slot is one arena cell. prev/next are arena indices (-1 = none); free
// slots are chained through next.
type slot struct {
	entry Entry
	prev  int
	next  int
}

// Cache is a fixed-capacity LRU of small rendered payloads. Recency links
// are arena indices rather than pointers, so eviction just returns a slot
// to the free list and can never leave a dangling node. All operations on
// the lookup table and the recency list happen under one mutex.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	maxEntry   int

	table map[string]int
	slots []slot
	head  int
	tail  int
	free  int

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache holding at most capacity entries. Payloads larger
// than maxEntrySize bytes are refused by Put. capacity must be positive.
func New(capacity int, defaultTTL time.Duration, maxEntrySize int) *Cache {
	if capacity <= 0 {
		panic("cache: capacity must be positive")
	}

	slots := make([]slot, capacity)
	for i := range slots {
		slots[i].prev = -1
		slots[i].next = i + 1
	}
	slots[capacity-1].next = -1

	return &Cache{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		maxEntry:   maxEntrySize,
		table:      make(map[string]int, capacity),
		slots:      slots,
		head:       -1,
		tail:       -1,
		free:       0,
	}
}

// Get returns the entry for key and promotes it to most recently used.
// Expired entries are still returned; the caller decides staleness.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.table[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}

	c.hits++
	c.moveToHead(idx)

	s := &c.slots[idx]
	s.entry.AccessCount++
	s.entry.LastAccessedAt = time.Now()
	return s.entry, true
}

// Put caches payload under key with the default TTL.
func (c *Cache) Put(key string, payload []byte, contentType string) bool {
	return c.PutTTL(key, payload, contentType, c.defaultTTL)
}

// PutTTL caches payload under key with an explicit TTL. An existing key is
// replaced in place and promoted. Inserting beyond capacity evicts the
// least recently used entry first, so size never exceeds capacity. Returns
// false when the payload is over the admission threshold.
func (c *Cache) PutTTL(key string, payload []byte, contentType string, ttl time.Duration) bool {
	if len(payload) > c.maxEntry {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if idx, ok := c.table[key]; ok {
		s := &c.slots[idx]
		s.entry.Payload = payload
		s.entry.ContentType = contentType
		s.entry.CreatedAt = now
		s.entry.TTL = ttl
		c.moveToHead(idx)
		return true
	}

	idx := c.allocSlot()
	c.slots[idx].entry = Entry{
		Key:            key,
		Payload:        payload,
		ContentType:    contentType,
		CreatedAt:      now,
		TTL:            ttl,
		LastAccessedAt: now,
	}
	c.pushHead(idx)
	c.table[key] = idx
	return true
}

// MaxEntrySize returns the admission threshold in bytes.
func (c *Cache) MaxEntrySize() int {
	return c.maxEntry
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CacheStats{
		Size:      len(c.table),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// allocSlot pops a free slot, evicting the tail when the arena is full.
// Callers hold c.mu.
func (c *Cache) allocSlot() int {
	if c.free != -1 {
		idx := c.free
		c.free = c.slots[idx].next
		c.slots[idx].next = -1
		return idx
	}

	idx := c.tail
	c.unlink(idx)
	delete(c.table, c.slots[idx].entry.Key)
	c.slots[idx].entry = Entry{}
	c.evictions++
	return idx
}

// moveToHead relinks idx to the front of the recency list. Callers hold c.mu.
func (c *Cache) moveToHead(idx int) {
	if c.head == idx {
		return
	}
	c.unlink(idx)
	c.pushHead(idx)
}

func (c *Cache) unlink(idx int) {
	s := &c.slots[idx]
	if s.prev != -1 {
		c.slots[s.prev].next = s.next
	} else {
		c.head = s.next
	}
	if s.next != -1 {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.prev = -1
	s.next = -1
}

func (c *Cache) pushHead(idx int) {
	s := &c.slots[idx]
	s.prev = -1
	s.next = c.head
	if c.head != -1 {
		c.slots[c.head].prev = idx
	}
	c.head = idx
	if c.tail == -1 {
		c.tail = idx
	}
}
