package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/conn"
	"github.com/querynest/querynest/lib/scanner"
)

// Collection names inside the per-instance metadata database.
const (
	collInstances   = "instances"
	collDatabases   = "databases"
	collCollections = "collections"
	collScanHistory = "scan_history"

	defaultHistoryLimit = 20
)

// --------------------------------------------------------------------------
// Mongo Backend
// --------------------------------------------------------------------------

// MongoStorage persists metadata in a dedicated database on the scanned
// instance itself. Records are upserted by natural key so repeated scans
// replace rather than duplicate; scan history is append-only.
//
// Thread-safety: safe for concurrent use.
type MongoStorage struct {
	manager *conn.MongoManager
	log     *zap.Logger

	// prepared tracks which instances already have their indexes created.
	prepared *xsync.MapOf[string, struct{}]
}

// NewMongoStorage creates the Mongo-backed metadata storage.
func NewMongoStorage(manager *conn.MongoManager, log *zap.Logger) *MongoStorage {
	if log == nil {
		log = zap.NewNop()
	}
	return &MongoStorage{
		manager:  manager,
		log:      log.Named("storage.mongo"),
		prepared: xsync.NewMapOf[string, struct{}](),
	}
}

type databaseDoc struct {
	Instance             string `bson:"instance"`
	scanner.DatabaseMeta `bson:",inline"`
}

type collectionDoc struct {
	Instance               string `bson:"instance"`
	scanner.CollectionMeta `bson:",inline"`
}

// metadataDB returns the instance's metadata database, creating the unique
// natural-key indexes on first use.
func (s *MongoStorage) metadataDB(ctx context.Context, instance string) (*mongo.Database, error) {
	db, err := s.manager.MetadataDatabase(instance)
	if err != nil {
		return nil, err
	}
	if _, done := s.prepared.Load(instance); done {
		return db, nil
	}
	if err := s.ensureIndexes(ctx, db); err != nil {
		return nil, fmt.Errorf("prepare metadata indexes for %s: %w", instance, err)
	}
	s.prepared.Store(instance, struct{}{})
	return db, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context, db *mongo.Database) error {
	unique := options.Index().SetUnique(true)

	specs := []struct {
		coll string
		keys bson.D
		opts *options.IndexOptions
	}{
		{collInstances, bson.D{{Key: "name", Value: 1}}, unique},
		{collDatabases, bson.D{{Key: "instance", Value: 1}, {Key: "name", Value: 1}}, unique},
		{collCollections, bson.D{{Key: "instance", Value: 1}, {Key: "database", Value: 1}, {Key: "name", Value: 1}}, unique},
		{collScanHistory, bson.D{{Key: "instance_name", Value: 1}, {Key: "scan_time", Value: -1}}, nil},
	}
	for _, spec := range specs {
		model := mongo.IndexModel{Keys: spec.keys, Options: spec.opts}
		if _, err := db.Collection(spec.coll).Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

// StoreScanResult implements MetadataStorage.
func (s *MongoStorage) StoreScanResult(ctx context.Context, result *scanner.ScanResult) error {
	db, err := s.metadataDB(ctx, result.InstanceName)
	if err != nil {
		return err
	}

	upsert := options.Replace().SetUpsert(true)

	if result.Success {
		for _, dbMeta := range result.Databases {
			doc := databaseDoc{Instance: result.InstanceName, DatabaseMeta: dbMeta}
			filter := bson.D{
				{Key: "instance", Value: result.InstanceName},
				{Key: "name", Value: dbMeta.Name},
			}
			if _, err := db.Collection(collDatabases).ReplaceOne(ctx, filter, doc, upsert); err != nil {
				return fmt.Errorf("store database %s: %w", dbMeta.Name, err)
			}
		}
		for _, collMeta := range result.Collections {
			doc := collectionDoc{Instance: result.InstanceName, CollectionMeta: collMeta}
			filter := bson.D{
				{Key: "instance", Value: result.InstanceName},
				{Key: "database", Value: collMeta.Database},
				{Key: "name", Value: collMeta.Name},
			}
			if _, err := db.Collection(collCollections).ReplaceOne(ctx, filter, doc, upsert); err != nil {
				return fmt.Errorf("store collection %s.%s: %w", collMeta.Database, collMeta.Name, err)
			}
		}
	}

	if err := s.updateInstanceSummary(ctx, db, result); err != nil {
		return err
	}

	if _, err := db.Collection(collScanHistory).InsertOne(ctx, recordFromResult(result)); err != nil {
		return fmt.Errorf("append scan history: %w", err)
	}

	s.log.Debug("scan result stored",
		zap.String("instance", result.InstanceName),
		zap.Int("metadata_count", result.MetadataCount()))
	return nil
}

// updateInstanceSummary upserts the instance document. Counts come from the
// stored collections rather than the result, so a quiet or partial
// incremental scan never zeroes them; a failed scan leaves the last good
// counts in place entirely.
func (s *MongoStorage) updateInstanceSummary(ctx context.Context, db *mongo.Database, result *scanner.ScanResult) error {
	fields := bson.M{
		"name":           result.InstanceName,
		"last_scan_time": result.ScanTime,
		"scan_success":   result.Success,
		"last_error":     result.Error,
		"updated_at":     time.Now(),
	}
	if result.Success {
		instanceFilter := bson.D{{Key: "instance", Value: result.InstanceName}}
		dbCount, err := db.Collection(collDatabases).CountDocuments(ctx, instanceFilter)
		if err != nil {
			return fmt.Errorf("count stored databases: %w", err)
		}
		collCount, err := db.Collection(collCollections).CountDocuments(ctx, instanceFilter)
		if err != nil {
			return fmt.Errorf("count stored collections: %w", err)
		}
		fields["database_count"] = dbCount
		fields["collection_count"] = collCount
	}

	_, err := db.Collection(collInstances).UpdateOne(ctx,
		bson.D{{Key: "name", Value: result.InstanceName}},
		bson.M{"$set": fields},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store instance metadata: %w", err)
	}
	return nil
}

// GetInstanceMetadata implements MetadataStorage.
func (s *MongoStorage) GetInstanceMetadata(ctx context.Context, instance string) (*InstanceMeta, error) {
	db, err := s.metadataDB(ctx, instance)
	if err != nil {
		return nil, err
	}
	var meta InstanceMeta
	err = db.Collection(collInstances).
		FindOne(ctx, bson.D{{Key: "name", Value: instance}}).Decode(&meta)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance metadata: %w", err)
	}
	return &meta, nil
}

// ListInstances implements MetadataStorage. Every instance carries its own
// metadata database, so the listing visits each registered instance; an
// unreachable instance is logged and skipped rather than failing the whole
// listing.
func (s *MongoStorage) ListInstances(ctx context.Context) ([]InstanceMeta, error) {
	var out []InstanceMeta
	for _, name := range s.manager.InstanceNames() {
		meta, err := s.GetInstanceMetadata(ctx, name)
		if err != nil {
			s.log.Warn("instance unreachable during listing",
				zap.String("instance", name), zap.Error(err))
			continue
		}
		if meta != nil {
			out = append(out, *meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetDatabaseMetadata implements MetadataStorage.
func (s *MongoStorage) GetDatabaseMetadata(ctx context.Context, instance, database string) (*scanner.DatabaseMeta, error) {
	db, err := s.metadataDB(ctx, instance)
	if err != nil {
		return nil, err
	}
	var doc databaseDoc
	filter := bson.D{{Key: "instance", Value: instance}, {Key: "name", Value: database}}
	err = db.Collection(collDatabases).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get database metadata: %w", err)
	}
	return &doc.DatabaseMeta, nil
}

// GetCollectionMetadata implements MetadataStorage.
func (s *MongoStorage) GetCollectionMetadata(ctx context.Context, instance, database, collection string) (*scanner.CollectionMeta, error) {
	db, err := s.metadataDB(ctx, instance)
	if err != nil {
		return nil, err
	}
	var doc collectionDoc
	filter := bson.D{
		{Key: "instance", Value: instance},
		{Key: "database", Value: database},
		{Key: "name", Value: collection},
	}
	err = db.Collection(collCollections).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection metadata: %w", err)
	}
	return &doc.CollectionMeta, nil
}

// ListDatabases implements MetadataStorage.
func (s *MongoStorage) ListDatabases(ctx context.Context, instance string) ([]scanner.DatabaseMeta, error) {
	db, err := s.metadataDB(ctx, instance)
	if err != nil {
		return nil, err
	}
	filter := bson.D{{Key: "instance", Value: instance}}
	cursor, err := db.Collection(collDatabases).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer cursor.Close(ctx)

	var out []scanner.DatabaseMeta
	for cursor.Next(ctx) {
		var doc databaseDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.DatabaseMeta)
	}
	return out, cursor.Err()
}

// ListCollections implements MetadataStorage.
func (s *MongoStorage) ListCollections(ctx context.Context, instance, database string) ([]scanner.CollectionMeta, error) {
	db, err := s.metadataDB(ctx, instance)
	if err != nil {
		return nil, err
	}
	filter := bson.D{{Key: "instance", Value: instance}, {Key: "database", Value: database}}
	cursor, err := db.Collection(collCollections).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer cursor.Close(ctx)

	var out []scanner.CollectionMeta
	for cursor.Next(ctx) {
		var doc collectionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.CollectionMeta)
	}
	return out, cursor.Err()
}

// DeleteInstanceMetadata implements MetadataStorage.
func (s *MongoStorage) DeleteInstanceMetadata(ctx context.Context, instance string) error {
	db, err := s.metadataDB(ctx, instance)
	if err != nil {
		return err
	}
	deletions := []struct {
		coll   string
		filter bson.D
	}{
		{collInstances, bson.D{{Key: "name", Value: instance}}},
		{collDatabases, bson.D{{Key: "instance", Value: instance}}},
		{collCollections, bson.D{{Key: "instance", Value: instance}}},
		{collScanHistory, bson.D{{Key: "instance_name", Value: instance}}},
	}
	for _, d := range deletions {
		if _, err := db.Collection(d.coll).DeleteMany(ctx, d.filter); err != nil {
			return fmt.Errorf("delete %s for %s: %w", d.coll, instance, err)
		}
	}
	s.log.Info("instance metadata deleted", zap.String("instance", instance))
	return nil
}

// ScanHistory implements MetadataStorage.
func (s *MongoStorage) ScanHistory(ctx context.Context, instance string, limit int) ([]ScanRecord, error) {
	db, err := s.metadataDB(ctx, instance)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	filter := bson.D{{Key: "instance_name", Value: instance}}
	opts := options.Find().
		SetSort(bson.D{{Key: "scan_time", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := db.Collection(collScanHistory).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	defer cursor.Close(ctx)

	var out []ScanRecord
	for cursor.Next(ctx) {
		var rec ScanRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cursor.Err()
}

// Close implements MetadataStorage. The connection manager owns the clients,
// so there is nothing to release here.
func (s *MongoStorage) Close(context.Context) error { return nil }
