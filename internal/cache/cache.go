// Package cache holds quality-approved coaching replies keyed by phase,
// message prefix and slots.
package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	// DefaultMaxEntries bounds the cache size.
	DefaultMaxEntries = 1000
	keyPrefix         = "coach-"
	keyMessageRunes   = 50
	earlyPhaseTTL     = 30 * time.Minute
	latePhaseTTL      = 60 * time.Minute
)

// TTLForPhase returns the lifetime of a reply cached in phase. Early phases
// are more personal and expire sooner.
func TTLForPhase(phase int) time.Duration {
	if phase <= 2 {
		return earlyPhaseTTL
	}
	return latePhaseTTL
}

// Key derives the cache key from the phase, the first 50 characters of the
// lowercased message and the serialized slots. Equal inputs always produce
// equal keys.
func Key(phase int, message string, slots map[string]any) string {
	prefix := []rune(strings.ToLower(message))
	if len(prefix) > keyMessageRunes {
		prefix = prefix[:keyMessageRunes]
	}

	// encoding/json sorts map keys, so the serialization is canonical.
	slotJSON, err := json.Marshal(slots)
	if err != nil {
		slotJSON = []byte(fmt.Sprintf("%v", slots))
	}

	h := xxhash.New()
	fmt.Fprintf(h, "%d-%s-%s", phase, string(prefix), slotJSON)
	return keyPrefix + strconv.FormatUint(h.Sum64(), 36)
}

type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
	ttl      time.Duration
}

// Stats reports cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is a bounded TTL cache with insertion-order eviction.
// All methods are safe for concurrent use.
type Cache[V any] struct {
	clock      Clock
	maxEntries int

	mu      sync.Mutex
	order   *list.List // oldest insertion at the front
	entries map[string]*list.Element
	stats   Stats
}

// New creates a Cache holding at most maxEntries values.
func New[V any](maxEntries int) *Cache[V] {
	return NewWithClock[V](maxEntries, realClock{})
}

// NewWithClock creates a Cache with a custom clock (for testing).
func NewWithClock[V any](maxEntries int, clock Clock) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[V]{
		clock:      clock,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Lookup returns the value for key if it has not expired. Expired entries
// are removed and reported as a miss.
func (c *Cache[V]) Lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.clock.Now().Sub(e.storedAt) >= e.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Store saves value under key with the TTL for phase. Replacing an existing
// key keeps its position in the eviction order. Inserting a new key into a
// full cache evicts the oldest insertion first.
func (c *Cache[V]) Store(key string, value V, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	ttl := TTLForPhase(phase)

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[V])
		e.value, e.storedAt, e.ttl = value, now, ttl
		return
	}

	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry[V]).key)
		c.stats.Evictions++
	}

	c.entries[key] = c.order.PushBack(&entry[V]{key: key, value: value, storedAt: now, ttl: ttl})
}

// Len returns the number of stored entries, including expired ones not yet
// looked up.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.order.Len()
	return s
}
