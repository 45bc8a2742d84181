package channels

import (
	"sync"
	"time"
)

const (
	// dedupeTTL is how long an event key suppresses duplicates.
	dedupeTTL = 5 * time.Minute
	// dedupeMaxEntries bounds the cache against unbounded key churn.
	dedupeMaxEntries = 1000
)

// DedupeCache drops inbound events already seen within the TTL, keyed by a
// per-event identifier (message id, "channel:ts", …). Safe for concurrent
// use.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time
}

// NewDedupeCache builds a cache with the standard TTL and size bound.
func NewDedupeCache() *DedupeCache {
	return &DedupeCache{
		ttl:     dedupeTTL,
		max:     dedupeMaxEntries,
		entries: make(map[string]time.Time),
	}
}

// Seen records key and reports whether it was already present within the
// TTL. A key seen past its TTL is admitted again.
func (d *DedupeCache) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if exp, ok := d.entries[key]; ok && now.Before(exp) {
		return true
	}

	if len(d.entries) >= d.max {
		for k, exp := range d.entries {
			if !now.Before(exp) {
				delete(d.entries, k)
			}
		}
		// Still full after pruning: evict arbitrary entries to stay bounded.
		for len(d.entries) >= d.max {
			for k := range d.entries {
				delete(d.entries, k)
				break
			}
		}
	}

	d.entries[key] = now.Add(d.ttl)
	return false
}

// Len returns the current entry count.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
