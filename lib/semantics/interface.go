package semantics

import (
	"context"
	"time"
)

// --------------------------------------------------------------------------
// Storage Contract
// --------------------------------------------------------------------------

// Storage persists semantic field records.
//
// Lookups distinguish absence from failure: a missing record is (nil, nil),
// a broken backend is (nil, err). Saves over an existing record version the
// previous value first and may return an advisory ConflictInfo; a non-nil
// conflict never means the write was rejected.
type Storage interface {
	// SaveFieldSemantic writes one record, versioning any previous value.
	SaveFieldSemantic(ctx context.Context, key FieldKey, field SemanticField) (*ConflictInfo, error)

	// GetFieldSemantic returns one record.
	GetFieldSemantic(ctx context.Context, key FieldKey) (*SemanticField, error)

	// DeleteFieldSemantic removes a record, archiving it as a final
	// version first. Deleting a missing record is a no-op.
	DeleteFieldSemantic(ctx context.Context, key FieldKey) error

	// SaveBatch saves several records and collects their conflicts.
	SaveBatch(ctx context.Context, keys []FieldKey, fields []SemanticField) ([]*ConflictInfo, error)

	// GetBatch returns the records that exist among keys; missing keys are
	// simply absent from the result.
	GetBatch(ctx context.Context, keys []FieldKey) (map[FieldKey]SemanticField, error)

	// ResolveConflict saves the chosen record under the conflicted key and
	// keeps an audit record of the decision.
	ResolveConflict(ctx context.Context, conflict ConflictInfo, resolved SemanticField) error

	// GetCollectionSemantics returns all records of one collection keyed
	// by field path.
	GetCollectionSemantics(ctx context.Context, instance, database, collection string) (map[string]SemanticField, error)

	// SearchSemantics returns matching records sorted by confidence,
	// highest first.
	SearchSemantics(ctx context.Context, query SearchQuery) ([]SearchHit, error)

	// FieldHistory returns a field's archived versions, newest first.
	FieldHistory(ctx context.Context, key FieldKey) ([]VersionRecord, error)

	// CreateSnapshot freezes all records of one collection under a name.
	CreateSnapshot(ctx context.Context, instance, database, collection, name string) error

	// RestoreSnapshot replaces a collection's records with a snapshot's
	// content.
	RestoreSnapshot(ctx context.Context, instance, database, collection, name string) error

	// CleanupOldVersions deletes archived versions older than maxAge and
	// returns how many were removed.
	CleanupOldVersions(ctx context.Context, maxAge time.Duration) (int, error)

	// Stats summarizes the stored corpus.
	Stats(ctx context.Context) (StorageStats, error)

	// HealthCheck verifies the backend is usable.
	HealthCheck(ctx context.Context) error
}
