package conn

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// metadataDatabaseName is the per-instance database the Mongo storage
// backend writes scan results into.
const metadataDatabaseName = "querynest_metadata"

// --------------------------------------------------------------------------
// MongoManager
// --------------------------------------------------------------------------

// MongoManager holds one MongoDB client per named instance.
//
// Thread-safety: all methods are safe for concurrent use; the registry is an
// xsync map.
type MongoManager struct {
	clients *xsync.MapOf[string, *mongo.Client]
	log     *zap.Logger
}

// NewMongoManager creates an empty connection manager.
func NewMongoManager(log *zap.Logger) *MongoManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &MongoManager{
		clients: xsync.NewMapOf[string, *mongo.Client](),
		log:     log.Named("conn"),
	}
}

// Connect registers a named instance and verifies reachability with a ping.
// Reconnecting an existing name replaces the previous client.
func (m *MongoManager) Connect(ctx context.Context, name, uri string) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return fmt.Errorf("connect instance %s: %w", name, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("ping instance %s: %w", name, err)
	}

	if prev, ok := m.clients.LoadAndStore(name, client); ok {
		_ = prev.Disconnect(ctx)
	}
	m.log.Info("instance connected", zap.String("instance", name))
	return nil
}

// InstanceNames returns the registered instance names, sorted for stable
// iteration order.
func (m *MongoManager) InstanceNames() []string {
	names := make([]string, 0, m.clients.Size())
	m.clients.Range(func(name string, _ *mongo.Client) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// InstanceClient returns the scanner-facing client for a named instance.
func (m *MongoManager) InstanceClient(name string) (Client, bool) {
	client, ok := m.clients.Load(name)
	if !ok {
		return nil, false
	}
	return &mongoClient{client: client}, true
}

// MetadataDatabase returns the metadata database handle for a named
// instance, used by the Mongo storage backend.
func (m *MongoManager) MetadataDatabase(name string) (*mongo.Database, error) {
	client, ok := m.clients.Load(name)
	if !ok {
		return nil, fmt.Errorf("instance %s is not connected", name)
	}
	return client.Database(metadataDatabaseName), nil
}

// Close disconnects every registered instance.
func (m *MongoManager) Close(ctx context.Context) {
	m.clients.Range(func(name string, client *mongo.Client) bool {
		if err := client.Disconnect(ctx); err != nil {
			m.log.Warn("disconnect failed", zap.String("instance", name), zap.Error(err))
		}
		m.clients.Delete(name)
		return true
	})
}

// --------------------------------------------------------------------------
// Driver Adapters
// --------------------------------------------------------------------------

type mongoClient struct {
	client *mongo.Client
}

func (c *mongoClient) ListDatabaseNames(ctx context.Context) ([]string, error) {
	return c.client.ListDatabaseNames(ctx, bson.D{})
}

func (c *mongoClient) Database(name string) Database {
	return &mongoDatabase{db: c.client.Database(name)}
}

type mongoDatabase struct {
	db *mongo.Database
}

func (d *mongoDatabase) Name() string { return d.db.Name() }

func (d *mongoDatabase) Stats(ctx context.Context) (DatabaseStats, error) {
	var out struct {
		DataSize    int64 `bson:"dataSize"`
		Collections int64 `bson:"collections"`
		Indexes     int64 `bson:"indexes"`
	}
	err := d.db.RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&out)
	if err != nil {
		return DatabaseStats{}, fmt.Errorf("dbStats %s: %w", d.db.Name(), err)
	}
	return DatabaseStats{DataSize: out.DataSize, Collections: out.Collections, Indexes: out.Indexes}, nil
}

func (d *mongoDatabase) ListCollectionNames(ctx context.Context) ([]string, error) {
	return d.db.ListCollectionNames(ctx, bson.D{})
}

func (d *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{db: d.db, coll: d.db.Collection(name)}
}

type mongoCollection struct {
	db   *mongo.Database
	coll *mongo.Collection
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

func (c *mongoCollection) Stats(ctx context.Context) (CollectionStats, error) {
	var out struct {
		Count      int64 `bson:"count"`
		AvgObjSize int64 `bson:"avgObjSize"`
		Size       int64 `bson:"size"`
	}
	cmd := bson.D{{Key: "collStats", Value: c.coll.Name()}}
	if err := c.db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return CollectionStats{}, fmt.Errorf("collStats %s: %w", c.coll.Name(), err)
	}
	return CollectionStats{Count: out.Count, AvgObjSize: out.AvgObjSize, Size: out.Size}, nil
}

func (c *mongoCollection) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	cursor, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes %s: %w", c.coll.Name(), err)
	}
	defer cursor.Close(ctx)

	var out []IndexInfo
	for cursor.Next(ctx) {
		var doc struct {
			Name   string `bson:"name"`
			Key    bson.M `bson:"key"`
			Unique bool   `bson:"unique"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, IndexInfo{Name: doc.Name, Key: map[string]any(doc.Key), Unique: doc.Unique})
	}
	return out, cursor.Err()
}

func (c *mongoCollection) SampleDocuments(ctx context.Context, size int) ([]map[string]any, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: size}}}},
	}
	cursor, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", c.coll.Name(), err)
	}
	defer cursor.Close(ctx)

	var docs []map[string]any
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, normalizeDocument(doc))
	}
	return docs, cursor.Err()
}

// normalizeDocument converts bson container types into plain Go maps and
// slices so callers never depend on driver-internal types. Leaf values such
// as ObjectIDs keep their driver type for classification.
func normalizeDocument(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return normalizeDocument(val)
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = normalizeValue(e)
		}
		return s
	default:
		return v
	}
}
