package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(maxSize int, ttl time.Duration, strategy EvictionStrategy) *MetadataCache {
	return New(Options{
		Name:       fmt.Sprintf("test-%d", time.Now().UnixNano()),
		MaxSize:    maxSize,
		DefaultTTL: ttl,
		Strategy:   strategy,
	}, zap.NewNop())
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("database", "primary", "shop")
	b := Key("database", "primary", "shop")
	assert.Equal(t, a, b)

	// Different namespaces or arguments produce different keys.
	assert.NotEqual(t, a, Key("collection", "primary", "shop"))
	assert.NotEqual(t, a, Key("database", "primary", "crm"))
	assert.NotEqual(t, a, Key("database", "primary"))
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "value-1", 0, "primary", "shop")

	value, ok := c.Get("database", "primary", "shop")
	require.True(t, ok)
	assert.Equal(t, "value-1", value)

	_, ok = c.Get("database", "primary", "unknown")
	assert.False(t, ok)
}

func TestPutReplacesExistingEntry(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "old", 0, "primary", "shop")
	c.Put("database", "new", 0, "primary", "shop")

	assert.Equal(t, 1, c.Len())
	value, ok := c.Get("database", "primary", "shop")
	require.True(t, ok)
	assert.Equal(t, "new", value)
}

func TestExtendTTLNeverShrinks(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "v", time.Hour, "primary", "shop")
	infos := c.CacheInfo()
	require.Len(t, infos, 1)
	firstExpiry := infos[0].ExpiresAt

	// A rewrite with a shorter TTL must not pull the expiry forward.
	c.Put("database", "v2", time.Second, "primary", "shop")
	infos = c.CacheInfo()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].ExpiresAt.Before(firstExpiry))

	// A rewrite with a longer TTL extends it.
	c.Put("database", "v3", 2*time.Hour, "primary", "shop")
	infos = c.CacheInfo()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].ExpiresAt.After(firstExpiry))
}

func TestExpiredEntryIsMissAndRemoved(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "v", 10*time.Millisecond, "primary", "shop")
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get("database", "primary", "shop")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expirations)
}

func TestSizeNeverExceedsMax(t *testing.T) {
	c := newTestCache(3, time.Minute, LRU{})

	for i := 0; i < 20; i++ {
		c.Put("database", i, 0, "primary", fmt.Sprintf("db-%d", i))
		assert.LessOrEqual(t, c.Len(), 3)
	}
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, uint64(17), c.GetStats().Evictions)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(2, time.Minute, LRU{})

	c.Put("database", "a", 0, "primary", "a")
	time.Sleep(time.Millisecond)
	c.Put("database", "b", 0, "primary", "b")
	time.Sleep(time.Millisecond)

	// Inserting a third entry evicts "a", the least recently used.
	c.Put("database", "c", 0, "primary", "c")

	_, ok := c.Get("database", "primary", "a")
	assert.False(t, ok)
	_, ok = c.Get("database", "primary", "b")
	assert.True(t, ok)
	_, ok = c.Get("database", "primary", "c")
	assert.True(t, ok)
}

func TestLRUAccessProtectsEntry(t *testing.T) {
	c := newTestCache(2, time.Minute, LRU{})

	c.Put("database", "a", 0, "primary", "a")
	time.Sleep(time.Millisecond)
	c.Put("database", "b", 0, "primary", "b")
	time.Sleep(time.Millisecond)

	// Touching "a" makes "b" the eviction candidate.
	_, ok := c.Get("database", "primary", "a")
	require.True(t, ok)
	time.Sleep(time.Millisecond)

	c.Put("database", "c", 0, "primary", "c")

	_, ok = c.Get("database", "primary", "a")
	assert.True(t, ok)
	_, ok = c.Get("database", "primary", "b")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "v", 0, "primary", "shop")
	assert.True(t, c.Delete("database", "primary", "shop"))
	assert.False(t, c.Delete("database", "primary", "shop"))
	assert.Equal(t, 0, c.Len())
}

func TestClearNamespace(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", 1, 0, "primary", "shop")
	c.Put("database", 2, 0, "primary", "crm")
	c.Put("collection", 3, 0, "primary", "shop", "users")

	assert.Equal(t, 2, c.ClearNamespace("database"))
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("collection", "primary", "shop", "users")
	assert.True(t, ok)
}

func TestClearInstanceMatchesFirstArg(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", 1, 0, "primary", "shop")
	c.Put("collection", 2, 0, "primary", "shop", "users")
	c.Put("database", 3, 0, "replica", "shop")

	// Only entries whose first key argument names the instance go away,
	// even when another argument carries the same value.
	c.Put("database", 4, 0, "replica", "primary")

	assert.Equal(t, 2, c.ClearInstance("primary"))
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get("database", "replica", "shop")
	assert.True(t, ok)
	_, ok = c.Get("database", "replica", "primary")
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "v", 0, "primary", "shop")
	c.Get("database", "primary", "shop")
	c.Get("database", "primary", "shop")
	c.Get("database", "primary", "missing")

	stats := c.GetStats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(3), stats.TotalRequests)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.1, stats.Utilization, 1e-9)
}

func TestNamespaceStats(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", 1, 0, "primary", "shop")
	c.Put("database", 2, 0, "primary", "crm")
	c.Put("collection", 3, 0, "primary", "shop", "users")
	c.Get("database", "primary", "shop")

	byNS := c.GetNamespaceStats()
	require.Contains(t, byNS, "database")
	require.Contains(t, byNS, "collection")
	assert.Equal(t, 2, byNS["database"].Count)
	assert.Equal(t, uint64(1), byNS["database"].TotalAccess)
	assert.Equal(t, 1, byNS["collection"].Count)
}

func TestOptimizeSweepsExpired(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "short", 10*time.Millisecond, "primary", "a")
	c.Put("database", "long", time.Hour, "primary", "b")
	time.Sleep(25 * time.Millisecond)

	c.Optimize()
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(1), c.GetStats().Expirations)
}

func TestClearAllResetsCounters(t *testing.T) {
	c := newTestCache(10, time.Minute, LRU{})

	c.Put("database", "v", 0, "primary", "shop")
	c.Get("database", "primary", "shop")
	c.ClearAll()

	assert.Equal(t, 0, c.Len())
	stats := c.GetStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.TotalRequests)
}
