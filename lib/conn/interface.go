package conn

import (
	"context"
)

// --------------------------------------------------------------------------
// Collaborator Contract
// --------------------------------------------------------------------------

// DatabaseStats is the subset of dbStats the scanner records.
type DatabaseStats struct {
	DataSize    int64 // Total size of uncompressed data
	Collections int64 // Number of collections
	Indexes     int64 // Number of indexes
}

// CollectionStats is the subset of collStats the scanner records.
type CollectionStats struct {
	Count      int64 // Document count
	AvgObjSize int64 // Average document size in bytes
	Size       int64 // Total uncompressed size in bytes
}

// IndexInfo describes one index on a collection.
type IndexInfo struct {
	Name   string         `json:"name"`
	Key    map[string]any `json:"key"`
	Unique bool           `json:"unique"`
}

// Client is one logical database deployment. Errors must surface as errors,
// never as silent empty results.
type Client interface {
	// ListDatabaseNames returns the names of all databases on the instance.
	ListDatabaseNames(ctx context.Context) ([]string, error)

	// Database returns a handle for the named database.
	Database(name string) Database
}

// Database is a handle for one database on an instance.
type Database interface {
	// Name returns the database name.
	Name() string

	// Stats fetches db-level statistics.
	Stats(ctx context.Context) (DatabaseStats, error)

	// ListCollectionNames returns the names of all collections.
	ListCollectionNames(ctx context.Context) ([]string, error)

	// Collection returns a handle for the named collection.
	Collection(name string) Collection
}

// Collection is a handle for one collection.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Stats fetches collection-level statistics.
	Stats(ctx context.Context) (CollectionStats, error)

	// ListIndexes returns the collection's indexes.
	ListIndexes(ctx context.Context) ([]IndexInfo, error)

	// SampleDocuments returns up to size randomly sampled documents.
	SampleDocuments(ctx context.Context, size int) ([]map[string]any, error)
}

// Manager exposes the named instances the scanner may visit.
type Manager interface {
	// InstanceNames returns the names of all registered instances.
	InstanceNames() []string

	// InstanceClient returns the client for a named instance, or false if
	// the instance is unknown or not connected.
	InstanceClient(name string) (Client, bool)
}
