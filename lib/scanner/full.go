package scanner

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/conn"
)

// Defaults for the full scan, overridable via Config.
const (
	DefaultSampleSize    = 100
	DefaultMaxFieldDepth = 5
	DefaultOpTimeout     = 10 * time.Second

	maxFieldExamples = 5
)

// --------------------------------------------------------------------------
// Full Scan
// --------------------------------------------------------------------------

// FullScan traverses every non-system database and collection of an
// instance, including the expensive per-collection field sampling. Every
// client call runs under its own OpTimeout so a single slow server cannot
// stall the whole scan.
type FullScan struct {
	SampleSize    int
	MaxFieldDepth int
	OpTimeout     time.Duration

	log *zap.Logger
}

// NewFullScan creates a full scan with default sampling parameters.
func NewFullScan(log *zap.Logger) *FullScan {
	if log == nil {
		log = zap.NewNop()
	}
	return &FullScan{
		SampleSize:    DefaultSampleSize,
		MaxFieldDepth: DefaultMaxFieldDepth,
		OpTimeout:     DefaultOpTimeout,
		log:           log.Named("scan.full"),
	}
}

// Name implements Strategy.
func (s *FullScan) Name() string { return StrategyFull }

// ScanInstance implements Strategy.
func (s *FullScan) ScanInstance(ctx context.Context, instanceName string, client conn.Client) *ScanResult {
	result := newResult(instanceName, StrategyFull)
	started := time.Now()

	dbNames, err := s.listDatabases(ctx, client)
	if err != nil {
		s.log.Error("listing databases failed",
			zap.String("instance", instanceName), zap.Error(err))
		return failedResult(instanceName, StrategyFull, err)
	}

	for _, dbName := range dbNames {
		if isSystemDatabase(dbName) {
			continue
		}
		s.scanDatabase(ctx, client.Database(dbName), result)
	}

	result.Success = true
	result.Duration = time.Since(started)
	return result
}

func (s *FullScan) listDatabases(ctx context.Context, client conn.Client) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	defer cancel()
	return client.ListDatabaseNames(opCtx)
}

// scanDatabase records database-level stats and scans every non-system
// collection. Unreadable units are logged and skipped.
func (s *FullScan) scanDatabase(ctx context.Context, db conn.Database, result *ScanResult) {
	meta := DatabaseMeta{
		Name:      db.Name(),
		ScanType:  StrategyFull,
		ScannedAt: time.Now(),
	}

	opCtx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	stats, err := db.Stats(opCtx)
	cancel()
	if err != nil {
		s.log.Warn("database stats unavailable",
			zap.String("database", db.Name()), zap.Error(err))
	} else {
		meta.SizeOnDisk = stats.DataSize
		meta.CollectionCount = stats.Collections
		meta.IndexCount = stats.Indexes
	}
	result.Databases = append(result.Databases, meta)

	opCtx, cancel = context.WithTimeout(ctx, s.OpTimeout)
	collNames, err := db.ListCollectionNames(opCtx)
	cancel()
	if err != nil {
		s.log.Warn("listing collections failed",
			zap.String("database", db.Name()), zap.Error(err))
		return
	}
	result.Fingerprints[db.Name()] = databaseFingerprint(collNames)

	for _, collName := range collNames {
		if isSystemCollection(collName) {
			continue
		}
		if meta, ok := s.scanCollection(ctx, db.Collection(collName), db.Name(), true); ok {
			result.Collections = append(result.Collections, meta)
		}
	}
}

// scanCollection gathers stats and indexes for one collection, plus the
// sampled field analysis when sampleFields is set.
func (s *FullScan) scanCollection(ctx context.Context, coll conn.Collection, dbName string, sampleFields bool) (CollectionMeta, bool) {
	meta := CollectionMeta{
		Database:  dbName,
		Name:      coll.Name(),
		ScannedAt: time.Now(),
	}

	opCtx, cancel := context.WithTimeout(ctx, s.OpTimeout)
	stats, err := coll.Stats(opCtx)
	cancel()
	if err != nil {
		s.log.Warn("collection stats unavailable",
			zap.String("database", dbName), zap.String("collection", coll.Name()), zap.Error(err))
		return CollectionMeta{}, false
	}
	meta.DocumentCount = stats.Count
	meta.AvgObjSize = stats.AvgObjSize
	meta.TotalSize = stats.Size

	opCtx, cancel = context.WithTimeout(ctx, s.OpTimeout)
	indexes, err := coll.ListIndexes(opCtx)
	cancel()
	if err != nil {
		s.log.Warn("listing indexes failed",
			zap.String("collection", coll.Name()), zap.Error(err))
	} else {
		for _, idx := range indexes {
			meta.Indexes = append(meta.Indexes, IndexMeta{Name: idx.Name, Key: idx.Key, Unique: idx.Unique})
		}
	}

	if sampleFields {
		opCtx, cancel = context.WithTimeout(ctx, s.OpTimeout)
		docs, err := coll.SampleDocuments(opCtx, s.SampleSize)
		cancel()
		if err != nil {
			s.log.Warn("sampling documents failed",
				zap.String("collection", coll.Name()), zap.Error(err))
		} else {
			meta.Fields = s.analyzeFields(docs)
		}
	}

	return meta, true
}

// --------------------------------------------------------------------------
// Field Analysis
// --------------------------------------------------------------------------

// analyzeFields aggregates per-field occurrence counts, type distributions
// and example values across the sampled documents.
func (s *FullScan) analyzeFields(docs []map[string]any) *FieldAnalysis {
	analysis := &FieldAnalysis{
		SampleCount: len(docs),
		Fields:      make(map[string]*FieldStats),
	}
	for _, doc := range docs {
		s.walkDocument(doc, "", 0, analysis.Fields)
	}
	for _, stats := range analysis.Fields {
		stats.Frequency = float64(stats.Count) / float64(analysis.SampleCount)
		stats.PrimaryType = primaryType(stats.Types)
	}
	return analysis
}

func (s *FullScan) walkDocument(doc map[string]any, prefix string, depth int, fields map[string]*FieldStats) {
	if depth >= s.MaxFieldDepth {
		return
	}
	for key, value := range doc {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		stats, ok := fields[path]
		if !ok {
			stats = &FieldStats{Types: make(map[string]int)}
			fields[path] = stats
		}
		stats.Count++
		stats.Types[typeName(value)]++
		if example, ok := exampleValue(value); ok && len(stats.Examples) < maxFieldExamples {
			stats.Examples = append(stats.Examples, example)
		}

		switch nested := value.(type) {
		case map[string]any:
			s.walkDocument(nested, path, depth+1, fields)
		case []any:
			// Array element structure is analyzed under the array's own
			// path, based on the first document-valued element.
			for _, elem := range nested {
				if doc, ok := elem.(map[string]any); ok {
					s.walkDocument(doc, path, depth+1, fields)
					break
				}
			}
		}
	}
}

// typeName classifies a sampled value with BSON-flavored type names.
func typeName(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int32:
		return "int"
	case int64:
		return "long"
	case float32, float64:
		return "double"
	case time.Time, primitive.DateTime:
		return "date"
	case primitive.ObjectID:
		return "objectId"
	case primitive.Decimal128:
		return "decimal"
	case primitive.Binary, []byte:
		return "binData"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", val)
	}
}

// exampleValue converts a sampled value into a JSON-friendly example.
// Containers and binary values are not recorded as examples.
func exampleValue(v any) (any, bool) {
	switch val := v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return val, true
	case primitive.ObjectID:
		return val.Hex(), true
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339), true
	case time.Time:
		return val.UTC().Format(time.RFC3339), true
	case primitive.Decimal128:
		return val.String(), true
	default:
		return nil, false
	}
}

func primaryType(types map[string]int) string {
	best, bestCount := "", -1
	for name, count := range types {
		if count > bestCount || (count == bestCount && name < best) {
			best, bestCount = name, count
		}
	}
	return best
}
