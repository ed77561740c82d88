package semantics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// In-Memory Storage
// --------------------------------------------------------------------------

// MemoryStorage implements Storage without touching disk. It mirrors the
// versioning and conflict semantics of LocalStorage and backs tests and
// ephemeral embedding.
//
// Thread-safety: safe for concurrent use.
type MemoryStorage struct {
	fields      *xsync.MapOf[FieldKey, SemanticField]
	versions    *xsync.MapOf[FieldKey, []VersionRecord]
	snapshots   *xsync.MapOf[string, map[string]SemanticField]
	resolutions *xsync.MapOf[FieldKey, []ResolutionRecord]
}

// NewMemoryStorage creates an empty in-memory semantic store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		fields:      xsync.NewMapOf[FieldKey, SemanticField](),
		versions:    xsync.NewMapOf[FieldKey, []VersionRecord](),
		snapshots:   xsync.NewMapOf[string, map[string]SemanticField](),
		resolutions: xsync.NewMapOf[FieldKey, []ResolutionRecord](),
	}
}

// SaveFieldSemantic implements Storage.
func (s *MemoryStorage) SaveFieldSemantic(ctx context.Context, key FieldKey, field SemanticField) (*ConflictInfo, error) {
	now := time.Now().UTC()
	field.FieldPath = key.FieldPath
	field.UpdatedAt = now

	var conflict *ConflictInfo
	s.fields.Compute(key, func(existing SemanticField, loaded bool) (SemanticField, bool) {
		if !loaded {
			field.CreatedAt = now
			field.Version = 1
			return field, false
		}
		field.CreatedAt = existing.CreatedAt
		field.Version = existing.Version + 1
		conflict = detectConflict(key, &existing, &field)
		s.archiveVersion(key, existing)
		return field, false
	})
	return conflict, nil
}

func (s *MemoryStorage) archiveVersion(key FieldKey, previous SemanticField) {
	s.versions.Compute(key, func(records []VersionRecord, _ bool) ([]VersionRecord, bool) {
		records = append(records, VersionRecord{
			VersionID: versionID(previous),
			Timestamp: time.Now().UTC(),
			Field:     previous,
		})
		if len(records) > maxVersionsPerField {
			records = records[len(records)-maxVersionsPerField:]
		}
		return records, false
	})
}

// GetFieldSemantic implements Storage.
func (s *MemoryStorage) GetFieldSemantic(ctx context.Context, key FieldKey) (*SemanticField, error) {
	field, ok := s.fields.Load(key)
	if !ok {
		return nil, nil
	}
	return &field, nil
}

// DeleteFieldSemantic implements Storage.
func (s *MemoryStorage) DeleteFieldSemantic(ctx context.Context, key FieldKey) error {
	if field, ok := s.fields.LoadAndDelete(key); ok {
		s.archiveVersion(key, field)
	}
	return nil
}

// SaveBatch implements Storage.
func (s *MemoryStorage) SaveBatch(ctx context.Context, keys []FieldKey, fields []SemanticField) ([]*ConflictInfo, error) {
	if len(keys) != len(fields) {
		return nil, fmt.Errorf("batch size mismatch: %d keys, %d fields", len(keys), len(fields))
	}
	var conflicts []*ConflictInfo
	for i, key := range keys {
		conflict, err := s.SaveFieldSemantic(ctx, key, fields[i])
		if err != nil {
			return conflicts, err
		}
		if conflict != nil {
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts, nil
}

// GetBatch implements Storage.
func (s *MemoryStorage) GetBatch(ctx context.Context, keys []FieldKey) (map[FieldKey]SemanticField, error) {
	out := make(map[FieldKey]SemanticField, len(keys))
	for _, key := range keys {
		if field, ok := s.fields.Load(key); ok {
			out[key] = field
		}
	}
	return out, nil
}

// ResolveConflict implements Storage.
func (s *MemoryStorage) ResolveConflict(ctx context.Context, conflict ConflictInfo, resolved SemanticField) error {
	if _, err := s.SaveFieldSemantic(ctx, conflict.Key, resolved); err != nil {
		return err
	}
	record := ResolutionRecord{
		Conflict:   conflict,
		Resolved:   resolved,
		ResolvedAt: time.Now().UTC(),
	}
	s.resolutions.Compute(conflict.Key, func(records []ResolutionRecord, _ bool) ([]ResolutionRecord, bool) {
		return append(records, record), false
	})
	return nil
}

// GetCollectionSemantics implements Storage.
func (s *MemoryStorage) GetCollectionSemantics(ctx context.Context, instance, database, collection string) (map[string]SemanticField, error) {
	out := make(map[string]SemanticField)
	s.fields.Range(func(key FieldKey, field SemanticField) bool {
		if key.Instance == instance && key.Database == database && key.Collection == collection {
			out[key.FieldPath] = field
		}
		return true
	})
	return out, nil
}

// SearchSemantics implements Storage.
func (s *MemoryStorage) SearchSemantics(ctx context.Context, query SearchQuery) ([]SearchHit, error) {
	var hits []SearchHit
	s.fields.Range(func(key FieldKey, field SemanticField) bool {
		if query.matches(key, field) {
			hits = append(hits, SearchHit{Key: key, Field: field})
		}
		return true
	})
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Field.Confidence > hits[j].Field.Confidence
	})
	if query.Limit > 0 && len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	return hits, nil
}

// FieldHistory implements Storage.
func (s *MemoryStorage) FieldHistory(ctx context.Context, key FieldKey) ([]VersionRecord, error) {
	records, _ := s.versions.Load(key)
	out := make([]VersionRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func snapshotKey(instance, database, collection, name string) string {
	return fmt.Sprintf("%s/%s/%s/%s", instance, database, collection, name)
}

// CreateSnapshot implements Storage.
func (s *MemoryStorage) CreateSnapshot(ctx context.Context, instance, database, collection, name string) error {
	fields, _ := s.GetCollectionSemantics(ctx, instance, database, collection)
	s.snapshots.Store(snapshotKey(instance, database, collection, name), fields)
	return nil
}

// RestoreSnapshot implements Storage.
func (s *MemoryStorage) RestoreSnapshot(ctx context.Context, instance, database, collection, name string) error {
	snap, ok := s.snapshots.Load(snapshotKey(instance, database, collection, name))
	if !ok {
		return fmt.Errorf("snapshot %s not found", name)
	}

	current, _ := s.GetCollectionSemantics(ctx, instance, database, collection)
	for path := range current {
		key := FieldKey{Instance: instance, Database: database, Collection: collection, FieldPath: path}
		if err := s.DeleteFieldSemantic(ctx, key); err != nil {
			return err
		}
	}
	for path, field := range snap {
		key := FieldKey{Instance: instance, Database: database, Collection: collection, FieldPath: path}
		if _, err := s.SaveFieldSemantic(ctx, key, field); err != nil {
			return err
		}
	}
	return nil
}

// CleanupOldVersions implements Storage.
func (s *MemoryStorage) CleanupOldVersions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	s.versions.Range(func(key FieldKey, records []VersionRecord) bool {
		kept := records[:0:0]
		for _, r := range records {
			if r.Timestamp.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, r)
			}
		}
		if len(kept) != len(records) {
			s.versions.Store(key, kept)
		}
		return true
	})
	return removed, nil
}

// Stats implements Storage.
func (s *MemoryStorage) Stats(ctx context.Context) (StorageStats, error) {
	stats := StorageStats{
		BySource:   make(map[string]int),
		ByInstance: make(map[string]int),
	}
	s.fields.Range(func(key FieldKey, field SemanticField) bool {
		stats.TotalFields++
		stats.BySource[field.Source]++
		stats.ByInstance[key.Instance]++
		return true
	})
	s.versions.Range(func(_ FieldKey, records []VersionRecord) bool {
		stats.TotalVersions += len(records)
		return true
	})
	stats.TotalSnapshots = s.snapshots.Size()
	return stats, nil
}

// HealthCheck implements Storage.
func (s *MemoryStorage) HealthCheck(context.Context) error { return nil }
