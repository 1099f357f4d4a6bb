// Package cache holds results of idempotent, read-heavy operations.
//
// The cache is size bounded and time bounded. Entries older than the TTL are
// treated as misses; when an insert pushes the cache over capacity the oldest
// entries are dropped in one batch. Eviction order is deterministic: by store
// time, then by insertion sequence.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Stats reports cache usage.
type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int    `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry struct {
	value    []byte
	storedAt time.Time
	seq      uint64
}

// Cache is a bounded result cache. It is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	now        func() time.Time
	capacity   int
	evictBatch int
	ttl        time.Duration
	seq        uint64
	stats      Stats
}

// New creates a cache holding at most capacity entries. When an insert
// exceeds capacity, at least evictBatch of the oldest entries are dropped. A
// zero ttl disables expiry.
func New(capacity int, ttl time.Duration, evictBatch int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	if evictBatch < 1 {
		evictBatch = 1
	}
	return &Cache{
		entries:    make(map[string]*entry),
		now:        time.Now,
		capacity:   capacity,
		evictBatch: evictBatch,
		ttl:        ttl,
	}
}

// Key derives a cache key from an operation name, its JSON parameters and any
// extra discriminators (region, protocol version). Parameters are brought to
// canonical JSON form first, so member order and whitespace do not matter.
func Key(op string, params json.RawMessage, extra ...string) string {
	canonical := []byte("null")
	if len(params) > 0 {
		if b, err := jcs.Transform(params); err == nil {
			canonical = b
		} else {
			canonical = params
		}
	}
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(extra, "\x00")))
	return op + ":" + hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the value stored under key. Expired entries are
// removed and reported as misses.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Put stores a copy of value under key and evicts if over capacity.
func (c *Cache) Put(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[key] = &entry{value: stored, storedAt: c.now(), seq: c.seq}
	if len(c.entries) > c.capacity {
		c.evictOldest()
	}
}

// evictOldest drops max(evictBatch, overflow) entries, oldest first. The
// newest entry always survives. Caller holds c.mu.
func (c *Cache) evictOldest() {
	n := len(c.entries) - c.capacity
	if n < c.evictBatch {
		n = c.evictBatch
	}
	if n > len(c.entries)-1 {
		n = len(c.entries) - 1
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]], c.entries[keys[j]]
		if !a.storedAt.Equal(b.storedAt) {
			return a.storedAt.Before(b.storedAt)
		}
		return a.seq < b.seq
	})
	for _, k := range keys[:n] {
		delete(c.entries, k)
	}
	c.stats.Evictions += uint64(n)
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of usage counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	for _, e := range c.entries {
		s.Bytes += len(e.value)
	}
	return s
}
