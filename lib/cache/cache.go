package cache

import (
	"container/list"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Options configures a MetadataCache.
type Options struct {
	Name       string           // Cache name, used for metrics and logging
	MaxSize    int              // Maximum number of entries (0 = default 1000)
	DefaultTTL time.Duration    // TTL applied when Put is called with ttl <= 0
	Strategy   EvictionStrategy // Eviction policy (nil = hybrid default)
}

const (
	defaultMaxSize = 1000
	defaultTTL     = time.Hour
)

// --------------------------------------------------------------------------
// MetadataCache
// --------------------------------------------------------------------------

// Stats holds the cumulative counters of one cache.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Expirations   uint64  `json:"expirations"`
	TotalRequests uint64  `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	Size          int     `json:"cache_size"`
	MaxSize       int     `json:"max_size"`
	Utilization   float64 `json:"utilization"`
}

// NamespaceStats aggregates per-namespace entry counts.
type NamespaceStats struct {
	Count        int       `json:"count"`
	TotalAccess  uint64    `json:"total_access"`
	ExpiredCount int       `json:"expired_count"`
	LatestAccess time.Time `json:"latest_access"`
}

// MetadataCache is a bounded, thread-safe, namespaced key-value cache with a
// pluggable eviction strategy. Recency order is maintained so LRU eviction
// and Optimize have a stable notion of "most recently used".
//
// Thread-safety: all exported methods are safe for concurrent use. A single
// mutex guards the internal ordered map; eviction bookkeeping is atomic with
// the size-limit enforcement.
type MetadataCache struct {
	name       string
	maxSize    int
	defaultTTL time.Duration
	strategy   EvictionStrategy
	log        *zap.Logger

	mu    sync.Mutex
	order *list.List               // Entries in recency order, most recent at the back
	index map[string]*list.Element // Hash key -> list element

	hits          uint64
	misses        uint64
	evictions     uint64
	expirations   uint64
	totalRequests uint64

	hitCounter   *metrics.Counter
	missCounter  *metrics.Counter
	evictCounter *metrics.Counter
}

// New creates a MetadataCache with the given options.
func New(opts Options, log *zap.Logger) *MetadataCache {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.Strategy == nil {
		opts.Strategy = NewHybrid()
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &MetadataCache{
		name:         opts.Name,
		maxSize:      opts.MaxSize,
		defaultTTL:   opts.DefaultTTL,
		strategy:     opts.Strategy,
		log:          log.Named("cache").With(zap.String("cache", opts.Name)),
		order:        list.New(),
		index:        make(map[string]*list.Element),
		hitCounter:   metrics.GetOrCreateCounter(fmt.Sprintf(`querynest_cache_hits_total{cache=%q}`, opts.Name)),
		missCounter:  metrics.GetOrCreateCounter(fmt.Sprintf(`querynest_cache_misses_total{cache=%q}`, opts.Name)),
		evictCounter: metrics.GetOrCreateCounter(fmt.Sprintf(`querynest_cache_evictions_total{cache=%q}`, opts.Name)),
	}
}

// Key computes the cache key for a namespace and its arguments.
func Key(namespace string, args ...string) string {
	parts := append([]string{namespace}, args...)
	sum := xxhash.Sum64String(strings.Join(parts, ":"))
	return strconv.FormatUint(sum, 16)
}

// --------------------------------------------------------------------------
// Core Operations
// --------------------------------------------------------------------------

// Put stores a value under (namespace, args). If the key already exists the
// value is replaced, the TTL window is refreshed and the entry moves to the
// most-recently-used position. Returns the computed cache key.
//
// Thread-safety: safe for concurrent use.
func (c *MetadataCache) Put(namespace string, value any, ttl time.Duration, args ...string) string {
	key := Key(namespace, args...)
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		entry := elem.Value.(*Entry)
		entry.Value = value
		entry.extendTTL(ttl, now)
		c.order.MoveToBack(elem)
	} else {
		entry := newEntry(key, namespace, args, value, ttl, now)
		c.index[key] = c.order.PushBack(entry)
	}

	c.cleanupLocked(now)
	return key
}

// Get returns the value stored under (namespace, args), or (nil, false) on a
// miss. Expired entries are removed on access and count as a miss plus an
// expiration.
//
// Thread-safety: safe for concurrent use.
func (c *MetadataCache) Get(namespace string, args ...string) (any, bool) {
	key := Key(namespace, args...)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++

	elem, ok := c.index[key]
	if !ok {
		c.misses++
		c.missCounter.Inc()
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.IsExpired(now) {
		c.removeLocked(elem)
		c.expirations++
		c.misses++
		c.missCounter.Inc()
		return nil, false
	}

	c.hits++
	c.hitCounter.Inc()
	entry.touch(now)
	c.order.MoveToBack(elem)
	return entry.Value, true
}

// Delete removes the entry stored under (namespace, args) and reports
// whether one was present.
func (c *MetadataCache) Delete(namespace string, args ...string) bool {
	key := Key(namespace, args...)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// ClearNamespace removes every entry whose namespace matches. Linear in the
// cache size, which is bounded.
func (c *MetadataCache) ClearNamespace(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).Namespace == namespace {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}

	c.log.Debug("cleared namespace", zap.String("namespace", namespace), zap.Int("removed", removed))
	return removed
}

// ClearInstance removes every entry whose first key argument equals the
// instance name. Key arguments are structured so that the owning instance is
// always the first argument, making invalidation a plain field comparison
// rather than a value-shape heuristic.
func (c *MetadataCache) ClearInstance(instance string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		if len(entry.Args) > 0 && entry.Args[0] == instance {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// ClearAll drops every entry and resets the counters.
func (c *MetadataCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.hits, c.misses, c.evictions, c.expirations, c.totalRequests = 0, 0, 0, 0, 0
}

// Len returns the current number of entries.
func (c *MetadataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// --------------------------------------------------------------------------
// Cleanup and Eviction
// --------------------------------------------------------------------------

// cleanupLocked sweeps all expired entries, then evicts by strategy priority
// until the cache is within its size limit. The full sort per eviction pass
// is O(n log n); cache sizes are small enough that correctness wins over
// micro-efficiency here.
//
// Thread-safety: caller must hold c.mu.
func (c *MetadataCache) cleanupLocked(now time.Time) {
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).IsExpired(now) {
			c.removeLocked(elem)
			c.expirations++
		}
		elem = next
	}

	for len(c.index) > c.maxSize {
		c.evictOneLocked()
	}
}

// evictOneLocked removes the entry with the lowest strategy priority.
//
// Thread-safety: caller must hold c.mu.
func (c *MetadataCache) evictOneLocked() {
	if len(c.index) == 0 {
		return
	}

	type ranked struct {
		priority float64
		elem     *list.Element
	}
	candidates := make([]ranked, 0, len(c.index))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		candidates = append(candidates, ranked{c.strategy.Priority(elem.Value.(*Entry)), elem})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority < candidates[j].priority })

	c.removeLocked(candidates[0].elem)
	c.evictions++
	c.evictCounter.Inc()
}

// removeLocked unlinks an element from both the order list and the index.
//
// Thread-safety: caller must hold c.mu.
func (c *MetadataCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.index, entry.Key)
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// GetStats returns a snapshot of the cache counters.
func (c *MetadataCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		TotalRequests: c.totalRequests,
		Size:          len(c.index),
		MaxSize:       c.maxSize,
	}
	if c.totalRequests > 0 {
		s.HitRate = float64(c.hits) / float64(c.totalRequests)
	}
	if c.maxSize > 0 {
		s.Utilization = float64(len(c.index)) / float64(c.maxSize)
	}
	return s
}

// CacheInfo returns the serializable view of every entry, in recency order.
func (c *MetadataCache) CacheInfo() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]Info, 0, len(c.index))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		infos = append(infos, elem.Value.(*Entry).info())
	}
	return infos
}

// GetNamespaceStats aggregates entry counts, access totals and expired
// counts per namespace.
func (c *MetadataCache) GetNamespaceStats() map[string]NamespaceStats {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]NamespaceStats)
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		ns := entry.Namespace
		if ns == "" {
			ns = "default"
		}

		s := out[ns]
		s.Count++
		s.TotalAccess += entry.AccessCount
		if entry.IsExpired(now) {
			s.ExpiredCount++
		}
		if entry.LastAccessed.After(s.LatestAccess) {
			s.LatestAccess = entry.LastAccessed
		}
		out[ns] = s
	}
	return out
}

// Optimize sweeps expired entries and rebuilds the internal ordering by
// recency. Functionally a no-op, but it gives predictable iteration order
// after long uptime.
func (c *MetadataCache) Optimize() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked(now)

	entries := make([]*Entry, 0, len(c.index))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*Entry))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	c.order.Init()
	c.index = make(map[string]*list.Element, len(entries))
	for _, entry := range entries {
		c.index[entry.Key] = c.order.PushBack(entry)
	}
}
