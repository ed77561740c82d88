package cache

import (
	"time"
)

// --------------------------------------------------------------------------
// Eviction Strategy Interface
// --------------------------------------------------------------------------

// EvictionStrategy decides which entries leave the cache when it is over
// capacity. Priority orders candidates: the entry with the lowest priority is
// evicted first.
type EvictionStrategy interface {
	// ShouldEvict reports whether the entry is an eviction candidate given
	// the current cache size and limit.
	ShouldEvict(e *Entry, size, maxSize int) bool

	// Priority returns the eviction rank of the entry. Lower values are
	// evicted first.
	Priority(e *Entry) float64

	// Name returns the strategy name for stats and logging.
	Name() string
}

// --------------------------------------------------------------------------
// LRU / LFU / TTL Strategies
// --------------------------------------------------------------------------

// LRU evicts the least recently used entry once the cache is full.
type LRU struct{}

func (LRU) ShouldEvict(_ *Entry, size, maxSize int) bool { return size >= maxSize }
func (LRU) Priority(e *Entry) float64                    { return float64(e.LastAccessed.UnixNano()) }
func (LRU) Name() string                                 { return "lru" }

// LFU evicts the least frequently used entry once the cache is full.
type LFU struct{}

func (LFU) ShouldEvict(_ *Entry, size, maxSize int) bool { return size >= maxSize }
func (LFU) Priority(e *Entry) float64                    { return float64(e.AccessCount) }
func (LFU) Name() string                                 { return "lfu" }

// TTL evicts expired entries regardless of cache size.
type TTL struct{}

func (TTL) ShouldEvict(e *Entry, _, _ int) bool { return e.IsExpired(time.Now()) }
func (TTL) Priority(e *Entry) float64           { return float64(e.ExpiresAt.UnixNano()) }
func (TTL) Name() string                        { return "ttl" }

// --------------------------------------------------------------------------
// Hybrid Strategy
// --------------------------------------------------------------------------

// Hybrid combines time-to-expiry, recency and frequency into one weighted
// score. Entries close to expiry, long unaccessed or rarely accessed score
// low and are evicted first.
type Hybrid struct {
	TTLWeight float64
	LRUWeight float64
	LFUWeight float64
}

// NewHybrid returns a Hybrid strategy with the default weights
// (0.5 ttl, 0.3 lru, 0.2 lfu).
func NewHybrid() Hybrid {
	return Hybrid{TTLWeight: 0.5, LRUWeight: 0.3, LFUWeight: 0.2}
}

func (h Hybrid) ShouldEvict(e *Entry, size, maxSize int) bool {
	if e.IsExpired(time.Now()) {
		return true
	}
	return size >= maxSize
}

func (h Hybrid) Priority(e *Entry) float64 {
	now := time.Now()

	// Hours until expiry: the closer to expiry, the lower the score.
	ttlFactor := e.ExpiresAt.Sub(now).Hours()

	// Hours since the last access: the longer idle, the lower the score.
	lruFactor := now.Sub(e.LastAccessed).Hours()

	// Inverse access count, +1 guards against division by zero. Rarely
	// accessed entries score lower.
	lfuFactor := 1.0 / float64(e.AccessCount+1)

	return h.TTLWeight*ttlFactor - h.LRUWeight*lruFactor - h.LFUWeight*lfuFactor
}

func (h Hybrid) Name() string { return "hybrid" }
