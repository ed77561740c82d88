package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/scanner"
)

const (
	latestFileName  = "latest.json"
	maxStoredScans  = 50
	filePermissions = 0o644
	dirPermissions  = 0o755
)

// --------------------------------------------------------------------------
// File Backend
// --------------------------------------------------------------------------

// FileStorage keeps one directory per instance under a root directory:
// latest.json holds the current snapshot (scan summary, databases,
// collections and capped scan history), and each scan additionally archives
// its raw result as scan_<timestamp>.json, pruned to the newest
// maxStoredScans files. Writes go through a temp file and rename so readers
// never observe partial JSON.
//
// A full scan replaces the snapshot's databases and collections wholesale; a
// successful incremental scan carries only the databases whose fingerprint
// changed, so its records are merged into the snapshot instead.
//
// Thread-safety: safe for concurrent use; a single mutex serializes access.
type FileStorage struct {
	root string
	log  *zap.Logger

	mu sync.Mutex
}

// fileSnapshot is the persisted content of latest.json.
type fileSnapshot struct {
	InstanceName  string                   `json:"instance_name"`
	Success       bool                     `json:"success"`
	Error         string                   `json:"error,omitempty"`
	ScanTime      time.Time                `json:"scan_time"`
	MetadataCount int                      `json:"metadata_count"`
	UpdatedAt     time.Time                `json:"updated_at"`
	Databases     []scanner.DatabaseMeta   `json:"databases"`
	Collections   []scanner.CollectionMeta `json:"collections"`
	History       []ScanRecord             `json:"history"`
}

// instanceMeta derives the instance summary from the snapshot state.
func (snap *fileSnapshot) instanceMeta() InstanceMeta {
	return InstanceMeta{
		Name:            snap.InstanceName,
		LastScanTime:    snap.ScanTime,
		ScanSuccess:     snap.Success,
		DatabaseCount:   len(snap.Databases),
		CollectionCount: len(snap.Collections),
		LastError:       snap.Error,
		UpdatedAt:       snap.UpdatedAt,
	}
}

// NewFileStorage creates the file-backed metadata storage rooted at dir.
func NewFileStorage(dir string, log *zap.Logger) (*FileStorage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", dir, err)
	}
	return &FileStorage{root: dir, log: log.Named("storage.file")}, nil
}

func (s *FileStorage) instanceDir(instance string) string {
	return filepath.Join(s.root, sanitizePathSegment(instance))
}

// StoreScanResult implements MetadataStorage.
func (s *FileStorage) StoreScanResult(ctx context.Context, result *scanner.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.instanceDir(result.InstanceName)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("create instance dir: %w", err)
	}

	snap, err := s.loadSnapshotLocked(result.InstanceName)
	if err != nil {
		return err
	}
	if snap == nil {
		snap = &fileSnapshot{}
	}

	snap.InstanceName = result.InstanceName
	snap.Success = result.Success
	snap.Error = result.Error
	snap.ScanTime = result.ScanTime
	snap.UpdatedAt = time.Now().UTC()
	if result.Success {
		if result.Strategy == scanner.StrategyIncremental {
			snap.Databases = mergeDatabases(snap.Databases, result.Databases)
			snap.Collections = mergeCollections(snap.Collections, result.Collections)
		} else {
			snap.Databases = result.Databases
			snap.Collections = result.Collections
		}
	}
	snap.MetadataCount = len(snap.Collections)
	snap.History = append([]ScanRecord{recordFromResult(result)}, snap.History...)
	if len(snap.History) > maxStoredScans {
		snap.History = snap.History[:maxStoredScans]
	}

	if err := writeJSONAtomic(filepath.Join(dir, latestFileName), snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	// Nanosecond precision keeps archive names unique and lexically sorted.
	archive := fmt.Sprintf("scan_%s.json", result.ScanTime.UTC().Format("20060102T150405.000000000"))
	if err := writeJSONAtomic(filepath.Join(dir, archive), result); err != nil {
		return fmt.Errorf("write scan archive: %w", err)
	}
	if err := s.pruneArchivesLocked(dir); err != nil {
		return err
	}

	s.log.Debug("scan result stored",
		zap.String("instance", result.InstanceName), zap.String("file", archive))
	return nil
}

// pruneArchivesLocked drops the oldest scan_*.json files once more than
// maxStoredScans exist.
func (s *FileStorage) pruneArchivesLocked(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list scan archives: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "scan_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > maxStoredScans {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return fmt.Errorf("prune scan archive: %w", err)
		}
		names = names[1:]
	}
	return nil
}

// loadSnapshotLocked returns the current snapshot or nil when none exists.
func (s *FileStorage) loadSnapshotLocked(instance string) (*fileSnapshot, error) {
	path := filepath.Join(s.instanceDir(instance), latestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// GetInstanceMetadata implements MetadataStorage.
func (s *FileStorage) GetInstanceMetadata(_ context.Context, instance string) (*InstanceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadSnapshotLocked(instance)
	if err != nil || snap == nil {
		return nil, err
	}
	meta := snap.instanceMeta()
	return &meta, nil
}

// ListInstances implements MetadataStorage.
func (s *FileStorage) ListInstances(_ context.Context) ([]InstanceMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list storage root: %w", err)
	}

	var out []InstanceMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snap, err := s.loadSnapshotLocked(e.Name())
		if err != nil {
			return nil, err
		}
		if snap == nil {
			continue
		}
		out = append(out, snap.instanceMeta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetDatabaseMetadata implements MetadataStorage.
func (s *FileStorage) GetDatabaseMetadata(_ context.Context, instance, database string) (*scanner.DatabaseMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadSnapshotLocked(instance)
	if err != nil || snap == nil {
		return nil, err
	}
	for i := range snap.Databases {
		if snap.Databases[i].Name == database {
			meta := snap.Databases[i]
			return &meta, nil
		}
	}
	return nil, nil
}

// GetCollectionMetadata implements MetadataStorage.
func (s *FileStorage) GetCollectionMetadata(_ context.Context, instance, database, collection string) (*scanner.CollectionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadSnapshotLocked(instance)
	if err != nil || snap == nil {
		return nil, err
	}
	for i := range snap.Collections {
		if snap.Collections[i].Database == database && snap.Collections[i].Name == collection {
			meta := snap.Collections[i]
			return &meta, nil
		}
	}
	return nil, nil
}

// ListDatabases implements MetadataStorage.
func (s *FileStorage) ListDatabases(_ context.Context, instance string) ([]scanner.DatabaseMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadSnapshotLocked(instance)
	if err != nil || snap == nil {
		return nil, err
	}
	return append([]scanner.DatabaseMeta(nil), snap.Databases...), nil
}

// ListCollections implements MetadataStorage.
func (s *FileStorage) ListCollections(_ context.Context, instance, database string) ([]scanner.CollectionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadSnapshotLocked(instance)
	if err != nil || snap == nil {
		return nil, err
	}
	var out []scanner.CollectionMeta
	for _, coll := range snap.Collections {
		if coll.Database == database {
			out = append(out, coll)
		}
	}
	return out, nil
}

// DeleteInstanceMetadata implements MetadataStorage.
func (s *FileStorage) DeleteInstanceMetadata(_ context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.instanceDir(instance)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete instance dir %s: %w", dir, err)
	}
	s.log.Info("instance metadata deleted", zap.String("instance", instance))
	return nil
}

// ScanHistory implements MetadataStorage.
func (s *FileStorage) ScanHistory(_ context.Context, instance string, limit int) ([]ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadSnapshotLocked(instance)
	if err != nil || snap == nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > len(snap.History) {
		limit = len(snap.History)
	}
	return append([]ScanRecord(nil), snap.History[:limit]...), nil
}

// Close implements MetadataStorage.
func (s *FileStorage) Close(context.Context) error { return nil }

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// writeJSONAtomic writes v as indented JSON via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp." + fmt.Sprint(time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// sanitizePathSegment keeps instance names from escaping the storage root.
func sanitizePathSegment(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	s := string(out)
	if s == ".." || s == "." || s == "" {
		return "_"
	}
	return s
}
