package cache

import (
	"time"

	"go.uber.org/zap"
)

// --------------------------------------------------------------------------
// Multi-Level Cache
// --------------------------------------------------------------------------

// Namespaces used by the metadata manager. Every Put at a manager call site
// passes the instance name as the first key argument, so ClearInstance works
// uniformly across tiers.
const (
	NamespaceInstance   = "instance"
	NamespaceDatabase   = "database"
	NamespaceCollection = "collection"
)

// MultiLevel composes three caches with fixed roles rather than temperature
// tiers: entries never migrate between levels. The instance cache is small
// and hot (LRU), the database and collection caches are larger with hybrid
// eviction.
//
// MultiLevel is constructed explicitly and injected wherever caching is
// needed; there is no package-level singleton.
type MultiLevel struct {
	instance   *MetadataCache
	database   *MetadataCache
	collection *MetadataCache
}

// OverallStats merges counters across the three tiers.
type OverallStats struct {
	Instance       Stats   `json:"instance_cache"`
	Database       Stats   `json:"database_cache"`
	Collection     Stats   `json:"collection_cache"`
	TotalHits      uint64  `json:"total_hits"`
	TotalMisses    uint64  `json:"total_misses"`
	TotalSize      int     `json:"total_size"`
	OverallHitRate float64 `json:"overall_hit_rate"`
}

// NewMultiLevel creates the three fixed tiers: instance (100 entries, 5 min,
// LRU), database (500 entries, 30 min, hybrid) and collection (2000 entries,
// 1 h, hybrid).
func NewMultiLevel(log *zap.Logger) *MultiLevel {
	return &MultiLevel{
		instance: New(Options{
			Name:       NamespaceInstance,
			MaxSize:    100,
			DefaultTTL: 5 * time.Minute,
			Strategy:   LRU{},
		}, log),
		database: New(Options{
			Name:       NamespaceDatabase,
			MaxSize:    500,
			DefaultTTL: 30 * time.Minute,
			Strategy:   NewHybrid(),
		}, log),
		collection: New(Options{
			Name:       NamespaceCollection,
			MaxSize:    2000,
			DefaultTTL: time.Hour,
			Strategy:   NewHybrid(),
		}, log),
	}
}

// InstanceCache returns the instance-level tier.
func (m *MultiLevel) InstanceCache() *MetadataCache { return m.instance }

// DatabaseCache returns the database-level tier.
func (m *MultiLevel) DatabaseCache() *MetadataCache { return m.database }

// CollectionCache returns the collection-level tier.
func (m *MultiLevel) CollectionCache() *MetadataCache { return m.collection }

// ClearInstance invalidates everything cached for one instance: the full
// instance namespace in the instance tier, and every database/collection
// entry whose first key argument names the instance.
func (m *MultiLevel) ClearInstance(instanceName string) {
	m.instance.ClearNamespace(NamespaceInstance)
	m.database.ClearInstance(instanceName)
	m.collection.ClearInstance(instanceName)
}

// GetOverallStats merges hit/miss/size counters across the tiers.
func (m *MultiLevel) GetOverallStats() OverallStats {
	i := m.instance.GetStats()
	d := m.database.GetStats()
	c := m.collection.GetStats()

	out := OverallStats{
		Instance:    i,
		Database:    d,
		Collection:  c,
		TotalHits:   i.Hits + d.Hits + c.Hits,
		TotalMisses: i.Misses + d.Misses + c.Misses,
		TotalSize:   i.Size + d.Size + c.Size,
	}
	total := i.TotalRequests + d.TotalRequests + c.TotalRequests
	if total == 0 {
		total = 1
	}
	out.OverallHitRate = float64(out.TotalHits) / float64(total)
	return out
}

// OptimizeAll runs Optimize on every tier.
func (m *MultiLevel) OptimizeAll() {
	m.instance.Optimize()
	m.database.Optimize()
	m.collection.Optimize()
}
