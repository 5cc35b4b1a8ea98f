package pool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/willf/bloom"
)

// Deduplicator decides whether an inbound event id has already been
// forwarded within the retention window, so that one event arriving from N
// relays surfaces exactly once.
//
// A bloom filter answers the common "definitely new" case without touching
// the LRU; the LRU provides the bounded retention window. Eviction from the
// LRU means a very late duplicate can surface again — accepted
// at-least-once-after-eviction behavior.
type Deduplicator struct {
	mu    sync.Mutex
	bloom *bloom.BloomFilter
	cache *lru.Cache[string, struct{}]
}

// NewDeduplicator builds a deduplicator retaining up to capacity event ids.
func NewDeduplicator(capacity int) (*Deduplicator, error) {
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{
		bloom: bloom.NewWithEstimates(uint(capacity)*4, 0.01),
		cache: cache,
	}, nil
}

// Seen records id and reports whether it was already present
// (insert-if-absent semantics).
func (d *Deduplicator) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.bloom.TestString(id) {
		d.bloom.AddString(id)
		d.cache.Add(id, struct{}{})
		return false
	}
	// Bloom hit: either a real duplicate or a false positive/evicted
	// entry. The LRU is authoritative within the retention window.
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	d.cache.Add(id, struct{}{})
	return false
}

// Len returns the number of ids currently retained.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
