package manager

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/cache"
	"github.com/querynest/querynest/lib/conn"
	"github.com/querynest/querynest/lib/scanner"
	"github.com/querynest/querynest/lib/storage"
)

// listKey marks cached list results, distinguishing them from single-record
// lookups within the same namespace.
const listKey = "__list__"

// --------------------------------------------------------------------------
// Metadata Manager
// --------------------------------------------------------------------------

// Manager coordinates metadata reads, scans and invalidation.
//
// Thread-safety: safe for concurrent use.
type Manager struct {
	conns   conn.Manager
	scanner *scanner.Scanner
	store   storage.MetadataStorage
	caches  *cache.MultiLevel
	log     *zap.Logger

	totalOperations atomic.Uint64
	cacheHits       atomic.Uint64
	storageHits     atomic.Uint64
	scanOperations  atomic.Uint64
	errorCount      atomic.Uint64
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	TotalOperations uint64             `json:"total_operations"`
	CacheHits       uint64             `json:"cache_hits"`
	StorageHits     uint64             `json:"storage_hits"`
	ScanOperations  uint64             `json:"scan_operations"`
	Errors          uint64             `json:"errors"`
	Cache           cache.OverallStats `json:"cache"`
	Scanner         scanner.Statistics `json:"scanner"`
}

// New wires the manager from its collaborators. All dependencies are
// injected; the manager owns none of them.
func New(conns conn.Manager, sc *scanner.Scanner, store storage.MetadataStorage, caches *cache.MultiLevel, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		conns:   conns,
		scanner: sc,
		store:   store,
		caches:  caches,
		log:     log.Named("manager"),
	}
}

// --------------------------------------------------------------------------
// Read Path
// --------------------------------------------------------------------------

// GetInstanceMetadata returns the instance summary, from cache when
// possible. Storage errors degrade to a miss.
func (m *Manager) GetInstanceMetadata(ctx context.Context, instance string) *storage.InstanceMeta {
	m.totalOperations.Add(1)

	tier := m.caches.InstanceCache()
	if value, ok := tier.Get(cache.NamespaceInstance, instance); ok {
		m.cacheHits.Add(1)
		return value.(*storage.InstanceMeta)
	}

	meta, err := m.store.GetInstanceMetadata(ctx, instance)
	if err != nil {
		m.degrade("instance metadata read failed", instance, err)
		return nil
	}
	if meta == nil {
		return nil
	}
	m.storageHits.Add(1)
	tier.Put(cache.NamespaceInstance, meta, 0, instance)
	return meta
}

// GetDatabaseMetadata returns one database record, from cache when possible.
func (m *Manager) GetDatabaseMetadata(ctx context.Context, instance, database string) *scanner.DatabaseMeta {
	m.totalOperations.Add(1)

	tier := m.caches.DatabaseCache()
	if value, ok := tier.Get(cache.NamespaceDatabase, instance, database); ok {
		m.cacheHits.Add(1)
		return value.(*scanner.DatabaseMeta)
	}

	meta, err := m.store.GetDatabaseMetadata(ctx, instance, database)
	if err != nil {
		m.degrade("database metadata read failed", instance, err)
		return nil
	}
	if meta == nil {
		return nil
	}
	m.storageHits.Add(1)
	tier.Put(cache.NamespaceDatabase, meta, 0, instance, database)
	return meta
}

// GetCollectionMetadata returns one collection record, from cache when
// possible.
func (m *Manager) GetCollectionMetadata(ctx context.Context, instance, database, collection string) *scanner.CollectionMeta {
	m.totalOperations.Add(1)

	tier := m.caches.CollectionCache()
	if value, ok := tier.Get(cache.NamespaceCollection, instance, database, collection); ok {
		m.cacheHits.Add(1)
		return value.(*scanner.CollectionMeta)
	}

	meta, err := m.store.GetCollectionMetadata(ctx, instance, database, collection)
	if err != nil {
		m.degrade("collection metadata read failed", instance, err)
		return nil
	}
	if meta == nil {
		return nil
	}
	m.storageHits.Add(1)
	tier.Put(cache.NamespaceCollection, meta, 0, instance, database, collection)
	return meta
}

// ListInstances returns the stored summaries of every known instance. The
// result is cached in the instance tier; any scan invalidates it.
func (m *Manager) ListInstances(ctx context.Context) []storage.InstanceMeta {
	m.totalOperations.Add(1)

	tier := m.caches.InstanceCache()
	if value, ok := tier.Get(cache.NamespaceInstance, listKey); ok {
		m.cacheHits.Add(1)
		return value.([]storage.InstanceMeta)
	}

	list, err := m.store.ListInstances(ctx)
	if err != nil {
		m.degrade("instance list failed", "", err)
		return nil
	}
	if list == nil {
		return nil
	}
	m.storageHits.Add(1)
	tier.Put(cache.NamespaceInstance, list, 0, listKey)
	return list
}

// ListDatabases returns all database records of an instance.
func (m *Manager) ListDatabases(ctx context.Context, instance string) []scanner.DatabaseMeta {
	m.totalOperations.Add(1)

	tier := m.caches.DatabaseCache()
	if value, ok := tier.Get(cache.NamespaceDatabase, instance, listKey); ok {
		m.cacheHits.Add(1)
		return value.([]scanner.DatabaseMeta)
	}

	list, err := m.store.ListDatabases(ctx, instance)
	if err != nil {
		m.degrade("database list failed", instance, err)
		return nil
	}
	if list == nil {
		return nil
	}
	m.storageHits.Add(1)
	tier.Put(cache.NamespaceDatabase, list, 0, instance, listKey)
	return list
}

// ListCollections returns all collection records of one database.
func (m *Manager) ListCollections(ctx context.Context, instance, database string) []scanner.CollectionMeta {
	m.totalOperations.Add(1)

	tier := m.caches.CollectionCache()
	if value, ok := tier.Get(cache.NamespaceCollection, instance, database, listKey); ok {
		m.cacheHits.Add(1)
		return value.([]scanner.CollectionMeta)
	}

	list, err := m.store.ListCollections(ctx, instance, database)
	if err != nil {
		m.degrade("collection list failed", instance, err)
		return nil
	}
	if list == nil {
		return nil
	}
	m.storageHits.Add(1)
	tier.Put(cache.NamespaceCollection, list, 0, instance, database, listKey)
	return list
}

// ScanHistory returns the most recent scan records of an instance. History
// is never cached; it changes with every scan.
func (m *Manager) ScanHistory(ctx context.Context, instance string, limit int) ([]storage.ScanRecord, error) {
	m.totalOperations.Add(1)
	records, err := m.store.ScanHistory(ctx, instance, limit)
	if err != nil {
		m.errorCount.Add(1)
		return nil, err
	}
	return records, nil
}

// degrade logs a storage failure on the read path and counts it. The caller
// returns a miss so readers keep working from cache.
func (m *Manager) degrade(msg, instance string, err error) {
	m.errorCount.Add(1)
	m.log.Warn(msg, zap.String("instance", instance), zap.Error(err))
}

// --------------------------------------------------------------------------
// Write Path
// --------------------------------------------------------------------------

// ScanInstance scans one instance, persists the result and invalidates the
// instance's cache entries. The scan result is returned even when
// persistence fails.
func (m *Manager) ScanInstance(ctx context.Context, instance string, forceFull bool) (*scanner.ScanResult, error) {
	m.totalOperations.Add(1)
	m.scanOperations.Add(1)

	result := m.scanner.ScanInstance(ctx, instance, forceFull)
	if err := m.persist(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// ScanAllInstances scans every registered instance and persists each result.
// The first persistence error is returned after all results are processed.
func (m *Manager) ScanAllInstances(ctx context.Context, forceFull bool) ([]*scanner.ScanResult, error) {
	m.totalOperations.Add(1)
	m.scanOperations.Add(1)

	results := m.scanner.ScanAllInstances(ctx, forceFull)
	var firstErr error
	for _, result := range results {
		if err := m.persist(ctx, result); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// persist stores one scan result and then invalidates the instance's cached
// entries. Invalidation happens after the store so readers never see cache
// contents newer than storage.
func (m *Manager) persist(ctx context.Context, result *scanner.ScanResult) error {
	if err := m.store.StoreScanResult(ctx, result); err != nil {
		m.errorCount.Add(1)
		m.log.Error("storing scan result failed",
			zap.String("instance", result.InstanceName), zap.Error(err))
		return err
	}
	m.caches.ClearInstance(result.InstanceName)
	return nil
}

// DeleteInstanceMetadata removes everything stored and cached for an
// instance.
func (m *Manager) DeleteInstanceMetadata(ctx context.Context, instance string) error {
	m.totalOperations.Add(1)

	if err := m.store.DeleteInstanceMetadata(ctx, instance); err != nil {
		m.errorCount.Add(1)
		return err
	}
	m.caches.ClearInstance(instance)
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// OptimizeCache sweeps expired entries from every cache tier.
func (m *Manager) OptimizeCache() {
	m.caches.OptimizeAll()
}

// GetStats returns a snapshot of manager, cache and scanner counters.
func (m *Manager) GetStats() Stats {
	return Stats{
		TotalOperations: m.totalOperations.Load(),
		CacheHits:       m.cacheHits.Load(),
		StorageHits:     m.storageHits.Load(),
		ScanOperations:  m.scanOperations.Load(),
		Errors:          m.errorCount.Load(),
		Cache:           m.caches.GetOverallStats(),
		Scanner:         m.scanner.Statistics(),
	}
}
