// Package dedup guards the conversation store against applying the same
// inbound message twice, e.g. once from the send response and once from the
// socket echo.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity bounds the number of remembered message ids.
const DefaultCapacity = 10000

// Deduplicator records message ids it has seen. Memory is bounded by an LRU:
// once more than Capacity distinct ids have been seen, the least recently
// seen ones are forgotten.
type Deduplicator struct {
	mu   sync.Mutex
	seen *lru.Cache[string, struct{}]
}

// New returns a Deduplicator remembering up to capacity ids. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// lru.New only fails for a non-positive size.
	seen, _ := lru.New[string, struct{}](capacity)
	return &Deduplicator{seen: seen}
}

// ShouldApply reports whether id is seen for the first time and records it.
// The check and the record happen under one lock.
func (d *Deduplicator) ShouldApply(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(id) {
		// refresh recency so hot ids survive eviction
		d.seen.Get(id)
		return false
	}
	d.seen.Add(id, struct{}{})
	return true
}

// Record marks id as applied without asking. Used when a message reaches the
// store through a path other than the socket, such as a send response.
func (d *Deduplicator) Record(id string) {
	d.mu.Lock()
	d.seen.Add(id, struct{}{})
	d.mu.Unlock()
}

// Len returns the number of remembered ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}
