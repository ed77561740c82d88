package manager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/cache"
	"github.com/querynest/querynest/lib/conn"
	"github.com/querynest/querynest/lib/scanner"
	"github.com/querynest/querynest/lib/storage"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeCollection struct {
	name  string
	count int64
}

func (c *fakeCollection) Name() string { return c.name }

func (c *fakeCollection) Stats(context.Context) (conn.CollectionStats, error) {
	return conn.CollectionStats{Count: c.count}, nil
}

func (c *fakeCollection) ListIndexes(context.Context) ([]conn.IndexInfo, error) {
	return nil, nil
}

func (c *fakeCollection) SampleDocuments(context.Context, int) ([]map[string]any, error) {
	return []map[string]any{{"name": "ada"}}, nil
}

type fakeDatabase struct {
	name        string
	collections []*fakeCollection
}

func (d *fakeDatabase) Name() string { return d.name }

func (d *fakeDatabase) Stats(context.Context) (conn.DatabaseStats, error) {
	return conn.DatabaseStats{DataSize: 1024, Collections: int64(len(d.collections))}, nil
}

func (d *fakeDatabase) ListCollectionNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(d.collections))
	for _, c := range d.collections {
		names = append(names, c.name)
	}
	return names, nil
}

func (d *fakeDatabase) Collection(name string) conn.Collection {
	for _, c := range d.collections {
		if c.name == name {
			return c
		}
	}
	return &fakeCollection{name: name}
}

type fakeClient struct {
	databases []*fakeDatabase
}

func (c *fakeClient) ListDatabaseNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(c.databases))
	for _, d := range c.databases {
		names = append(names, d.name)
	}
	return names, nil
}

func (c *fakeClient) Database(name string) conn.Database {
	for _, d := range c.databases {
		if d.name == name {
			return d
		}
	}
	return &fakeDatabase{name: name}
}

type fakeConns struct {
	clients map[string]conn.Client
}

func (m *fakeConns) InstanceNames() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

func (m *fakeConns) InstanceClient(name string) (conn.Client, bool) {
	c, ok := m.clients[name]
	return c, ok
}

// mockStore counts calls and keeps the last stored scan result per instance.
type mockStore struct {
	mu           sync.Mutex
	readErr      error
	stores       int
	instGets     int
	instListGets int
	dbGets       int
	collGets     int
	listGets     int
	deletes      int
	instances    map[string]*scanner.ScanResult
}

func newMockStore() *mockStore {
	return &mockStore{instances: make(map[string]*scanner.ScanResult)}
}

func (s *mockStore) StoreScanResult(_ context.Context, result *scanner.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores++
	s.instances[result.InstanceName] = result
	return nil
}

func (s *mockStore) GetInstanceMetadata(_ context.Context, instance string) (*storage.InstanceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instGets++
	if s.readErr != nil {
		return nil, s.readErr
	}
	result, ok := s.instances[instance]
	if !ok {
		return nil, nil
	}
	return &storage.InstanceMeta{
		Name:            instance,
		LastScanTime:    result.ScanTime,
		ScanSuccess:     result.Success,
		DatabaseCount:   len(result.Databases),
		CollectionCount: len(result.Collections),
	}, nil
}

func (s *mockStore) ListInstances(context.Context) ([]storage.InstanceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instListGets++
	if s.readErr != nil {
		return nil, s.readErr
	}
	out := make([]storage.InstanceMeta, 0, len(s.instances))
	for name, result := range s.instances {
		out = append(out, storage.InstanceMeta{
			Name:         name,
			LastScanTime: result.ScanTime,
			ScanSuccess:  result.Success,
		})
	}
	return out, nil
}

func (s *mockStore) GetDatabaseMetadata(_ context.Context, instance, database string) (*scanner.DatabaseMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbGets++
	if s.readErr != nil {
		return nil, s.readErr
	}
	result, ok := s.instances[instance]
	if !ok {
		return nil, nil
	}
	for i := range result.Databases {
		if result.Databases[i].Name == database {
			return &result.Databases[i], nil
		}
	}
	return nil, nil
}

func (s *mockStore) GetCollectionMetadata(_ context.Context, instance, database, collection string) (*scanner.CollectionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collGets++
	if s.readErr != nil {
		return nil, s.readErr
	}
	result, ok := s.instances[instance]
	if !ok {
		return nil, nil
	}
	for i := range result.Collections {
		if result.Collections[i].Database == database && result.Collections[i].Name == collection {
			return &result.Collections[i], nil
		}
	}
	return nil, nil
}

func (s *mockStore) ListDatabases(_ context.Context, instance string) ([]scanner.DatabaseMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listGets++
	if s.readErr != nil {
		return nil, s.readErr
	}
	result, ok := s.instances[instance]
	if !ok {
		return nil, nil
	}
	return result.Databases, nil
}

func (s *mockStore) ListCollections(_ context.Context, instance, database string) ([]scanner.CollectionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listGets++
	if s.readErr != nil {
		return nil, s.readErr
	}
	result, ok := s.instances[instance]
	if !ok {
		return nil, nil
	}
	var out []scanner.CollectionMeta
	for _, coll := range result.Collections {
		if coll.Database == database {
			out = append(out, coll)
		}
	}
	return out, nil
}

func (s *mockStore) DeleteInstanceMetadata(_ context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.instances, instance)
	return nil
}

func (s *mockStore) ScanHistory(context.Context, string, int) ([]storage.ScanRecord, error) {
	return nil, nil
}

func (s *mockStore) Close(context.Context) error { return nil }

func (s *mockStore) setReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *mockStore) dbGetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbGets
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func newTestManager(t *testing.T) (*Manager, *mockStore) {
	t.Helper()
	conns := &fakeConns{clients: map[string]conn.Client{
		"primary": &fakeClient{databases: []*fakeDatabase{
			{name: "shop", collections: []*fakeCollection{{name: "users", count: 42}}},
		}},
	}}
	store := newMockStore()
	sc := scanner.New(conns, scanner.DefaultConfig(), zap.NewNop())
	m := New(conns, sc, store, cache.NewMultiLevel(zap.NewNop()), zap.NewNop())
	return m, store
}

func TestManagerReadThrough(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)
	assert.Equal(t, 1, store.stores)

	// First read goes to storage, the second is served from cache.
	first := m.GetDatabaseMetadata(ctx, "primary", "shop")
	require.NotNil(t, first)
	assert.Equal(t, 1, store.dbGetCount())

	second := m.GetDatabaseMetadata(ctx, "primary", "shop")
	require.NotNil(t, second)
	assert.Equal(t, 1, store.dbGetCount())

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.StorageHits)
	assert.Equal(t, uint64(1), stats.ScanOperations)
}

func TestManagerScanInvalidatesCache(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)

	require.NotNil(t, m.GetCollectionMetadata(ctx, "primary", "shop", "users"))
	collGetsBefore := store.collGets

	// Cached now: no extra storage read.
	require.NotNil(t, m.GetCollectionMetadata(ctx, "primary", "shop", "users"))
	assert.Equal(t, collGetsBefore, store.collGets)

	// A new scan invalidates the instance's entries, so the next read goes
	// back to storage and sees the fresh result.
	_, err = m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)

	require.NotNil(t, m.GetCollectionMetadata(ctx, "primary", "shop", "users"))
	assert.Equal(t, collGetsBefore+1, store.collGets)
}

func TestManagerStorageErrorDegradesToMiss(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	store.setReadErr(errors.New("backend down"))

	assert.Nil(t, m.GetInstanceMetadata(ctx, "primary"))
	assert.Nil(t, m.GetDatabaseMetadata(ctx, "primary", "shop"))
	assert.Nil(t, m.GetCollectionMetadata(ctx, "primary", "shop", "users"))
	assert.Nil(t, m.ListDatabases(ctx, "primary"))

	stats := m.GetStats()
	assert.Equal(t, uint64(4), stats.Errors)
}

func TestManagerListsAreCached(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)

	require.NotEmpty(t, m.ListDatabases(ctx, "primary"))
	require.NotEmpty(t, m.ListDatabases(ctx, "primary"))
	assert.Equal(t, 1, store.listGets)

	require.NotEmpty(t, m.ListCollections(ctx, "primary", "shop"))
	require.NotEmpty(t, m.ListCollections(ctx, "primary", "shop"))
	assert.Equal(t, 2, store.listGets)
}

func TestManagerDeleteInstanceMetadata(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)
	require.NotNil(t, m.GetDatabaseMetadata(ctx, "primary", "shop"))

	require.NoError(t, m.DeleteInstanceMetadata(ctx, "primary"))
	assert.Equal(t, 1, store.deletes)

	// Both cache and storage are empty now.
	assert.Nil(t, m.GetDatabaseMetadata(ctx, "primary", "shop"))
}

func TestManagerIncrementalScanKeepsStoredMetadata(t *testing.T) {
	conns := &fakeConns{clients: map[string]conn.Client{
		"primary": &fakeClient{databases: []*fakeDatabase{
			{name: "shop", collections: []*fakeCollection{{name: "users", count: 42}}},
		}},
	}}
	store, err := storage.NewFileStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	sc := scanner.New(conns, scanner.DefaultConfig(), zap.NewNop())
	m := New(conns, sc, store, cache.NewMultiLevel(zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	result, err := m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, m.GetDatabaseMetadata(ctx, "primary", "shop"))

	// An unchanged instance makes the next scan an incremental one that
	// reports nothing new. Persisting it must not wipe the stored metadata,
	// even though the scan also invalidated the cache.
	result, err = m.ScanInstance(ctx, "primary", false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, scanner.StrategyIncremental, result.Strategy)
	require.Empty(t, result.Databases)

	assert.NotNil(t, m.GetDatabaseMetadata(ctx, "primary", "shop"))
	assert.NotNil(t, m.GetCollectionMetadata(ctx, "primary", "shop", "users"))

	meta := m.GetInstanceMetadata(ctx, "primary")
	require.NotNil(t, meta)
	assert.Equal(t, 1, meta.DatabaseCount)
	assert.Equal(t, 1, meta.CollectionCount)
}

func TestManagerListInstances(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)

	list := m.ListInstances(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "primary", list[0].Name)

	// Second read is served from cache.
	require.Len(t, m.ListInstances(ctx), 1)
	assert.Equal(t, 1, store.instListGets)
}

func TestManagerHealthCheck(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	// Registered but never scanned: degraded.
	health := m.HealthCheck(ctx)
	assert.Equal(t, StatusDegraded, health.Status)

	_, err := m.ScanInstance(ctx, "primary", true)
	require.NoError(t, err)

	health = m.HealthCheck(ctx)
	assert.Equal(t, StatusHealthy, health.Status)
	require.Contains(t, health.Instances, "primary")
	assert.True(t, health.Instances["primary"].Connected)
	require.NotNil(t, health.Instances["primary"].LastScanSuccess)
	assert.True(t, *health.Instances["primary"].LastScanSuccess)

	// Storage going away is the only unhealthy condition.
	store.setReadErr(errors.New("backend down"))
	health = m.HealthCheck(ctx)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.NotEmpty(t, health.StorageError)
}
