package semantics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const (
	// maxVersionsPerField bounds the archived history; the oldest version
	// is pruned when a save would exceed it.
	maxVersionsPerField = 10

	fieldsDirName    = "instances"
	versionsDirName  = "versions"
	snapshotsDirName = "snapshots"
	conflictsDirName = "conflicts"

	filePermissions = 0o644
	dirPermissions  = 0o755
)

// --------------------------------------------------------------------------
// Local Storage
// --------------------------------------------------------------------------

// LocalStorage is the JSON-file-tree implementation of Storage. Field
// records live under instances/<i>/databases/<d>/collections/<c>/, archived
// versions under a parallel versions/ tree and snapshots as flat files under
// snapshots/. All writes go through a temp file and rename.
//
// Thread-safety: safe for concurrent use; a single mutex serializes access.
type LocalStorage struct {
	base string
	log  *zap.Logger

	mu sync.Mutex
}

// NewLocalStorage creates a local semantic store rooted at dir.
func NewLocalStorage(dir string, log *zap.Logger) (*LocalStorage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, sub := range []string{fieldsDirName, versionsDirName, snapshotsDirName, conflictsDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPermissions); err != nil {
			return nil, fmt.Errorf("create semantic storage dir: %w", err)
		}
	}
	return &LocalStorage{base: dir, log: log.Named("semantics")}, nil
}

// --------------------------------------------------------------------------
// Paths
// --------------------------------------------------------------------------

func (s *LocalStorage) collectionDir(root, instance, database, collection string) string {
	return filepath.Join(s.base, root,
		sanitizeSegment(instance),
		"databases", sanitizeSegment(database),
		"collections", sanitizeSegment(collection))
}

func (s *LocalStorage) fieldPath(key FieldKey) string {
	dir := s.collectionDir(fieldsDirName, key.Instance, key.Database, key.Collection)
	return filepath.Join(dir, sanitizeSegment(key.FieldPath)+".json")
}

// versionDir is flat: versions/<instance>/<db>/<collection>/<field>/, with
// no structural segments between the levels.
func (s *LocalStorage) versionDir(key FieldKey) string {
	return filepath.Join(s.base, versionsDirName,
		sanitizeSegment(key.Instance),
		sanitizeSegment(key.Database),
		sanitizeSegment(key.Collection),
		sanitizeSegment(key.FieldPath))
}

func (s *LocalStorage) snapshotPath(instance, database, collection, name string) string {
	file := fmt.Sprintf("%s_%s_%s_%s.json",
		sanitizeSegment(instance), sanitizeSegment(database),
		sanitizeSegment(collection), sanitizeSegment(name))
	return filepath.Join(s.base, snapshotsDirName, file)
}

// sanitizeSegment makes a name safe as a single path component. Dots are
// kept so dotted field paths stay readable, but pure traversal segments are
// neutralized.
func sanitizeSegment(name string) string {
	replaced := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	if replaced == "" || strings.Trim(replaced, ".") == "" {
		return "_"
	}
	return replaced
}

// --------------------------------------------------------------------------
// Save / Get / Delete
// --------------------------------------------------------------------------

// SaveFieldSemantic implements Storage.
func (s *LocalStorage) SaveFieldSemantic(ctx context.Context, key FieldKey, field SemanticField) (*ConflictInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(key, field)
}

func (s *LocalStorage) saveLocked(key FieldKey, field SemanticField) (*ConflictInfo, error) {
	existing, err := s.readFieldLocked(key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	field.FieldPath = key.FieldPath
	field.UpdatedAt = now
	if existing == nil {
		field.CreatedAt = now
		field.Version = 1
	} else {
		field.CreatedAt = existing.CreatedAt
		field.Version = existing.Version + 1
		if err := s.archiveVersionLocked(key, *existing); err != nil {
			return nil, err
		}
	}

	conflict := detectConflict(key, existing, &field)

	path := s.fieldPath(key)
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create field dir: %w", err)
	}
	if err := writeJSONAtomic(path, field); err != nil {
		return nil, fmt.Errorf("save semantic %s: %w", key.FieldPath, err)
	}

	if conflict != nil {
		s.log.Warn("semantic meaning changed",
			zap.String("field", key.FieldPath),
			zap.String("resolution", conflict.ResolutionStrategy))
	}
	return conflict, nil
}

// readFieldLocked returns the stored record or nil when none exists.
func (s *LocalStorage) readFieldLocked(key FieldKey) (*SemanticField, error) {
	data, err := os.ReadFile(s.fieldPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read semantic %s: %w", key.FieldPath, err)
	}
	var field SemanticField
	if err := json.Unmarshal(data, &field); err != nil {
		return nil, fmt.Errorf("decode semantic %s: %w", key.FieldPath, err)
	}
	return &field, nil
}

// GetFieldSemantic implements Storage.
func (s *LocalStorage) GetFieldSemantic(ctx context.Context, key FieldKey) (*SemanticField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFieldLocked(key)
}

// DeleteFieldSemantic implements Storage.
func (s *LocalStorage) DeleteFieldSemantic(ctx context.Context, key FieldKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readFieldLocked(key)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := s.archiveVersionLocked(key, *existing); err != nil {
		return err
	}
	if err := os.Remove(s.fieldPath(key)); err != nil {
		return fmt.Errorf("delete semantic %s: %w", key.FieldPath, err)
	}
	return nil
}

// SaveBatch implements Storage.
func (s *LocalStorage) SaveBatch(ctx context.Context, keys []FieldKey, fields []SemanticField) ([]*ConflictInfo, error) {
	if len(keys) != len(fields) {
		return nil, fmt.Errorf("batch size mismatch: %d keys, %d fields", len(keys), len(fields))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []*ConflictInfo
	for i, key := range keys {
		conflict, err := s.saveLocked(key, fields[i])
		if err != nil {
			return conflicts, fmt.Errorf("batch save %s: %w", key.FieldPath, err)
		}
		if conflict != nil {
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts, nil
}

// GetBatch implements Storage.
func (s *LocalStorage) GetBatch(ctx context.Context, keys []FieldKey) (map[FieldKey]SemanticField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[FieldKey]SemanticField, len(keys))
	for _, key := range keys {
		field, err := s.readFieldLocked(key)
		if err != nil {
			return nil, fmt.Errorf("batch get %s: %w", key.FieldPath, err)
		}
		if field != nil {
			out[key] = *field
		}
	}
	return out, nil
}

// ResolveConflict implements Storage. The resolved record is saved like any
// other write (so the losing value ends up in the version history) and the
// decision is recorded under conflicts/ for audit.
func (s *LocalStorage) ResolveConflict(ctx context.Context, conflict ConflictInfo, resolved SemanticField) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.saveLocked(conflict.Key, resolved); err != nil {
		return fmt.Errorf("apply resolution: %w", err)
	}

	record := ResolutionRecord{
		Conflict:   conflict,
		Resolved:   resolved,
		ResolvedAt: time.Now().UTC(),
	}
	file := fmt.Sprintf("%d_%s_%s.json",
		record.ResolvedAt.UnixNano(),
		sanitizeSegment(conflict.Key.Collection),
		sanitizeSegment(conflict.Key.FieldPath))
	path := filepath.Join(s.base, conflictsDirName, file)
	if err := writeJSONAtomic(path, record); err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}

	s.log.Info("conflict resolved",
		zap.String("field", conflict.Key.FieldPath),
		zap.String("meaning", resolved.BusinessMeaning))
	return nil
}

// --------------------------------------------------------------------------
// Versioning
// --------------------------------------------------------------------------

// archiveVersionLocked snapshots the previous value of a field and prunes
// history beyond maxVersionsPerField, oldest first.
func (s *LocalStorage) archiveVersionLocked(key FieldKey, previous SemanticField) error {
	dir := s.versionDir(key)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("create version dir: %w", err)
	}

	record := VersionRecord{
		VersionID: versionID(previous),
		Timestamp: time.Now().UTC(),
		Field:     previous,
	}
	file := fmt.Sprintf("%d_%s.json", record.Timestamp.UnixNano(), record.VersionID)
	if err := writeJSONAtomic(filepath.Join(dir, file), record); err != nil {
		return fmt.Errorf("archive version: %w", err)
	}

	names, err := sortedVersionFiles(dir)
	if err != nil {
		return err
	}
	for len(names) > maxVersionsPerField {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return fmt.Errorf("prune version: %w", err)
		}
		names = names[1:]
	}
	return nil
}

// versionID derives a short stable identifier from the archived content.
func versionID(field SemanticField) string {
	data, _ := json.Marshal(field)
	return fmt.Sprintf("%016x", xxhash.Sum64(data))[:12]
}

// sortedVersionFiles lists version files oldest first. The UnixNano prefix
// makes lexical order chronological.
func sortedVersionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FieldHistory implements Storage.
func (s *LocalStorage) FieldHistory(ctx context.Context, key FieldKey) ([]VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.versionDir(key)
	names, err := sortedVersionFiles(dir)
	if err != nil {
		return nil, err
	}

	records := make([]VersionRecord, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		data, err := os.ReadFile(filepath.Join(dir, names[i]))
		if err != nil {
			return nil, fmt.Errorf("read version %s: %w", names[i], err)
		}
		var record VersionRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode version %s: %w", names[i], err)
		}
		records = append(records, record)
	}
	return records, nil
}

// CleanupOldVersions implements Storage.
func (s *LocalStorage) CleanupOldVersions(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	removed := 0
	root := filepath.Join(s.base, versionsDirName)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return err
		}
		ts, ok := versionFileTimestamp(d.Name())
		if !ok || ts >= cutoff {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cleanup versions: %w", err)
	}
	if removed > 0 {
		s.log.Info("old versions removed", zap.Int("count", removed))
	}
	return removed, nil
}

func versionFileTimestamp(name string) (int64, bool) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// --------------------------------------------------------------------------
// Collection Reads / Search
// --------------------------------------------------------------------------

// GetCollectionSemantics implements Storage.
func (s *LocalStorage) GetCollectionSemantics(ctx context.Context, instance, database, collection string) (map[string]SemanticField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCollectionLocked(instance, database, collection)
}

func (s *LocalStorage) readCollectionLocked(instance, database, collection string) (map[string]SemanticField, error) {
	dir := s.collectionDir(fieldsDirName, instance, database, collection)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]SemanticField{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list collection semantics: %w", err)
	}

	out := make(map[string]SemanticField, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read semantic file %s: %w", e.Name(), err)
		}
		var field SemanticField
		if err := json.Unmarshal(data, &field); err != nil {
			return nil, fmt.Errorf("decode semantic file %s: %w", e.Name(), err)
		}
		out[field.FieldPath] = field
	}
	return out, nil
}

// SearchSemantics implements Storage.
func (s *LocalStorage) SearchSemantics(ctx context.Context, query SearchQuery) ([]SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []SearchHit
	err := s.walkFieldsLocked(func(key FieldKey, field SemanticField) {
		if query.matches(key, field) {
			hits = append(hits, SearchHit{Key: key, Field: field})
		}
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Field.Confidence > hits[j].Field.Confidence
	})
	if query.Limit > 0 && len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	return hits, nil
}

// walkFieldsLocked visits every stored field record. The directory layout
// instances/<i>/databases/<d>/collections/<c>/<field>.json is fixed, so the
// key can be reconstructed from the path.
func (s *LocalStorage) walkFieldsLocked(visit func(FieldKey, SemanticField)) error {
	root := filepath.Join(s.base, fieldsDirName)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		// instance/databases/db/collections/coll/field.json
		if len(parts) != 6 || parts[1] != "databases" || parts[3] != "collections" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var field SemanticField
		if err := json.Unmarshal(data, &field); err != nil {
			return fmt.Errorf("decode semantic file %s: %w", rel, err)
		}
		visit(FieldKey{
			Instance:   parts[0],
			Database:   parts[2],
			Collection: parts[4],
			FieldPath:  field.FieldPath,
		}, field)
		return nil
	})
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// snapshotFile is the persisted content of one snapshot.
type snapshotFile struct {
	Instance   string                   `json:"instance"`
	Database   string                   `json:"database"`
	Collection string                   `json:"collection"`
	Name       string                   `json:"name"`
	CreatedAt  time.Time                `json:"created_at"`
	Fields     map[string]SemanticField `json:"fields"`
}

// CreateSnapshot implements Storage.
func (s *LocalStorage) CreateSnapshot(ctx context.Context, instance, database, collection, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, err := s.readCollectionLocked(instance, database, collection)
	if err != nil {
		return err
	}
	snap := snapshotFile{
		Instance:   instance,
		Database:   database,
		Collection: collection,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		Fields:     fields,
	}
	if err := writeJSONAtomic(s.snapshotPath(instance, database, collection, name), snap); err != nil {
		return fmt.Errorf("create snapshot %s: %w", name, err)
	}
	s.log.Info("snapshot created",
		zap.String("collection", collection), zap.String("name", name),
		zap.Int("fields", len(fields)))
	return nil
}

// RestoreSnapshot implements Storage.
func (s *LocalStorage) RestoreSnapshot(ctx context.Context, instance, database, collection, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.snapshotPath(instance, database, collection, name))
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", name, err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", name, err)
	}

	// Current records are versioned before being replaced, so a restore
	// is itself reversible through field history.
	current, err := s.readCollectionLocked(instance, database, collection)
	if err != nil {
		return err
	}
	for path, field := range current {
		key := FieldKey{Instance: instance, Database: database, Collection: collection, FieldPath: path}
		if err := s.archiveVersionLocked(key, field); err != nil {
			return err
		}
		if err := os.Remove(s.fieldPath(key)); err != nil {
			return err
		}
	}

	for path, field := range snap.Fields {
		key := FieldKey{Instance: instance, Database: database, Collection: collection, FieldPath: path}
		if _, err := s.saveLocked(key, field); err != nil {
			return err
		}
	}
	s.log.Info("snapshot restored",
		zap.String("collection", collection), zap.String("name", name))
	return nil
}

// --------------------------------------------------------------------------
// Stats / Health
// --------------------------------------------------------------------------

// Stats implements Storage.
func (s *LocalStorage) Stats(ctx context.Context) (StorageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StorageStats{
		BySource:   make(map[string]int),
		ByInstance: make(map[string]int),
	}
	err := s.walkFieldsLocked(func(key FieldKey, field SemanticField) {
		stats.TotalFields++
		stats.BySource[field.Source]++
		stats.ByInstance[key.Instance]++
	})
	if err != nil {
		return stats, err
	}

	err = filepath.WalkDir(s.base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		stats.DiskBytes += info.Size()
		if !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		switch {
		case strings.HasPrefix(path, filepath.Join(s.base, versionsDirName)):
			stats.TotalVersions++
		case strings.HasPrefix(path, filepath.Join(s.base, snapshotsDirName)):
			stats.TotalSnapshots++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk storage: %w", err)
	}
	return stats, nil
}

// HealthCheck implements Storage.
func (s *LocalStorage) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	probe := filepath.Join(s.base, ".health")
	if err := os.WriteFile(probe, []byte("ok"), filePermissions); err != nil {
		return fmt.Errorf("storage not writable: %w", err)
	}
	if _, err := os.ReadFile(probe); err != nil {
		return fmt.Errorf("storage not readable: %w", err)
	}
	return os.Remove(probe)
}

// writeJSONAtomic writes v as indented JSON via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
