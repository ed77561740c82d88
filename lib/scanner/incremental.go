package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/conn"
)

// --------------------------------------------------------------------------
// Incremental Scan
// --------------------------------------------------------------------------

// IncrementalScan re-fetches only databases whose collection-set fingerprint
// changed since the previous scan. Without prior state for the instance it
// degrades to a full scan; changed databases get fresh stats but skip the
// expensive field sampling.
//
// TODO: also fingerprint collection document counts so that pure data growth
// without schema changes refreshes collection stats.
type IncrementalScan struct {
	full *FullScan

	// prevFingerprints is the fingerprint set of the instance's previous
	// scan; nil means no prior scan exists.
	prevFingerprints map[string]uint64

	log *zap.Logger
}

// NewIncrementalScan wraps a full scan with fingerprint gating.
func NewIncrementalScan(full *FullScan, prevFingerprints map[string]uint64, log *zap.Logger) *IncrementalScan {
	if log == nil {
		log = zap.NewNop()
	}
	return &IncrementalScan{
		full:             full,
		prevFingerprints: prevFingerprints,
		log:              log.Named("scan.incremental"),
	}
}

// Name implements Strategy.
func (s *IncrementalScan) Name() string { return StrategyIncremental }

// ScanInstance implements Strategy.
func (s *IncrementalScan) ScanInstance(ctx context.Context, instanceName string, client conn.Client) *ScanResult {
	if s.prevFingerprints == nil {
		s.log.Info("no prior scan state, falling back to full scan",
			zap.String("instance", instanceName))
		return s.full.ScanInstance(ctx, instanceName, client)
	}

	result := newResult(instanceName, StrategyIncremental)
	started := time.Now()

	dbNames, err := s.full.listDatabases(ctx, client)
	if err != nil {
		s.log.Error("listing databases failed",
			zap.String("instance", instanceName), zap.Error(err))
		return failedResult(instanceName, StrategyIncremental, err)
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

func (s *IncrementalScan) scanDatabase(ctx context.Context, db conn.Database, result *ScanResult) {
	opCtx, cancel := context.WithTimeout(ctx, s.full.OpTimeout)
	collNames, err := db.ListCollectionNames(opCtx)
	cancel()
	if err != nil {
		// Unreadable databases count as changed so the next full pass
		// revisits them; carry the old fingerprint forward.
		s.log.Warn("listing collections failed, treating database as changed",
			zap.String("database", db.Name()), zap.Error(err))
		if prev, ok := s.prevFingerprints[db.Name()]; ok {
			result.Fingerprints[db.Name()] = prev
		}
		return
	}

	fp := databaseFingerprint(collNames)
	result.Fingerprints[db.Name()] = fp
	if prev, ok := s.prevFingerprints[db.Name()]; ok && prev == fp {
		s.log.Debug("database unchanged, skipping",
			zap.String("database", db.Name()))
		return
	}

	meta := DatabaseMeta{
		Name:      db.Name(),
		ScanType:  StrategyIncremental,
		ScannedAt: time.Now(),
	}
	opCtx, cancel = context.WithTimeout(ctx, s.full.OpTimeout)
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

	for _, collName := range collNames {
		if isSystemCollection(collName) {
			continue
		}
		// Changed databases refresh collection stats and indexes; field
		// sampling stays with the periodic full scan.
		if collMeta, ok := s.full.scanCollection(ctx, db.Collection(collName), db.Name(), false); ok {
			result.Collections = append(result.Collections, collMeta)
		}
	}
}
