package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"

	"github.com/querynest/querynest/lib/conn"
)

// --------------------------------------------------------------------------
// Scanner
// --------------------------------------------------------------------------

// DefaultFullScanInterval is the age of a last successful scan beyond which
// an incremental scan is upgraded to a full one.
const DefaultFullScanInterval = 24 * time.Hour

// Config tunes the scanner and its strategies.
type Config struct {
	// SampleSize is the number of documents sampled per collection for
	// field analysis.
	SampleSize int

	// MaxFieldDepth bounds the recursion into nested documents.
	MaxFieldDepth int

	// OpTimeout bounds every individual client call.
	OpTimeout time.Duration

	// FullScanInterval is the maximum age of the last successful scan
	// before an unforced scan is upgraded to a full one.
	FullScanInterval time.Duration
}

// DefaultConfig returns the default scanner configuration.
func DefaultConfig() Config {
	return Config{
		SampleSize:       DefaultSampleSize,
		MaxFieldDepth:    DefaultMaxFieldDepth,
		OpTimeout:        DefaultOpTimeout,
		FullScanInterval: DefaultFullScanInterval,
	}
}

// Statistics is a snapshot of the scanner's counters.
type Statistics struct {
	TotalScans       uint64               `json:"total_scans"`
	FullScans        uint64               `json:"full_scans"`
	IncrementalScans uint64               `json:"incremental_scans"`
	SuccessfulScans  uint64               `json:"successful_scans"`
	FailedScans      uint64               `json:"failed_scans"`
	LastScanTimes    map[string]time.Time `json:"last_scan_times"`
}

// Scanner orchestrates scans across all registered instances. It selects a
// strategy per instance, fans one goroutine out per instance and keeps the
// per-instance state (last successful scan time, database fingerprints) the
// incremental strategy depends on.
//
// Thread-safety: all methods are safe for concurrent use; scan runs are
// serialized by an internal mutex so overlapping triggers cannot race on the
// fingerprint state.
type Scanner struct {
	manager conn.Manager
	cfg     Config
	log     *zap.Logger

	mu           sync.Mutex
	lastScan     map[string]time.Time
	fingerprints map[string]map[string]uint64
	stats        Statistics

	scansStarted   *metrics.Counter
	scansSucceeded *metrics.Counter
	scansFailed    *metrics.Counter
}

// New creates a scanner over the given connection manager.
func New(manager conn.Manager, cfg Config, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.MaxFieldDepth <= 0 {
		cfg.MaxFieldDepth = DefaultMaxFieldDepth
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.FullScanInterval <= 0 {
		cfg.FullScanInterval = DefaultFullScanInterval
	}
	return &Scanner{
		manager:      manager,
		cfg:          cfg,
		log:          log.Named("scanner"),
		lastScan:     make(map[string]time.Time),
		fingerprints: make(map[string]map[string]uint64),

		scansStarted:   metrics.GetOrCreateCounter(`querynest_scans_total`),
		scansSucceeded: metrics.GetOrCreateCounter(`querynest_scans_result_total{result="success"}`),
		scansFailed:    metrics.GetOrCreateCounter(`querynest_scans_result_total{result="failed"}`),
	}
}

// ScanAllInstances scans every registered instance concurrently and returns
// one result per instance, ordered like Manager.InstanceNames. forceFull
// upgrades every instance to a full scan.
func (s *Scanner) ScanAllInstances(ctx context.Context, forceFull bool) []*ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.manager.InstanceNames()
	results := make([]*ScanResult, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = s.scanLocked(ctx, name, forceFull)
		}(i, name)
	}
	wg.Wait()

	for _, result := range results {
		s.collectLocked(result)
	}
	return results
}

// ScanInstance scans one instance. forceFull upgrades it to a full scan.
func (s *Scanner) ScanInstance(ctx context.Context, name string, forceFull bool) *ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.scanLocked(ctx, name, forceFull)
	s.collectLocked(result)
	return result
}

// scanLocked runs one instance scan with the strategy selected from current
// state. Safe to call from the fan-out goroutines because it only reads the
// state maps, which collectLocked mutates strictly after wg.Wait.
func (s *Scanner) scanLocked(ctx context.Context, name string, forceFull bool) *ScanResult {
	client, ok := s.manager.InstanceClient(name)
	if !ok {
		s.log.Warn("instance not connected", zap.String("instance", name))
		return failedResult(name, StrategyFull, errNotConnected(name))
	}

	strategy := s.selectStrategyLocked(name, forceFull)
	s.log.Info("scanning instance",
		zap.String("instance", name), zap.String("strategy", strategy.Name()))
	return strategy.ScanInstance(ctx, name, client)
}

// selectStrategyLocked picks full when forced, when the instance has never
// been scanned successfully, or when the last success is older than
// FullScanInterval. Otherwise incremental.
func (s *Scanner) selectStrategyLocked(name string, forceFull bool) Strategy {
	full := &FullScan{
		SampleSize:    s.cfg.SampleSize,
		MaxFieldDepth: s.cfg.MaxFieldDepth,
		OpTimeout:     s.cfg.OpTimeout,
		log:           s.log.Named("full"),
	}

	last, scanned := s.lastScan[name]
	if forceFull || !scanned || time.Since(last) > s.cfg.FullScanInterval {
		return full
	}
	return NewIncrementalScan(full, s.fingerprints[name], s.log)
}

// collectLocked folds one result into the counters and, on success, into
// the incremental scan state.
func (s *Scanner) collectLocked(result *ScanResult) {
	s.stats.TotalScans++
	s.scansStarted.Inc()
	switch result.Strategy {
	case StrategyIncremental:
		s.stats.IncrementalScans++
	default:
		s.stats.FullScans++
	}

	if !result.Success {
		s.stats.FailedScans++
		s.scansFailed.Inc()
		s.log.Warn("scan failed",
			zap.String("instance", result.InstanceName), zap.String("error", result.Error))
		return
	}

	s.stats.SuccessfulScans++
	s.scansSucceeded.Inc()
	s.lastScan[result.InstanceName] = result.ScanTime
	if len(result.Fingerprints) > 0 || result.Strategy == StrategyFull {
		fps := make(map[string]uint64, len(result.Fingerprints))
		for db, fp := range result.Fingerprints {
			fps[db] = fp
		}
		s.fingerprints[result.InstanceName] = fps
	}
	s.log.Info("scan completed",
		zap.String("instance", result.InstanceName),
		zap.String("strategy", result.Strategy),
		zap.Int("databases", len(result.Databases)),
		zap.Int("collections", len(result.Collections)),
		zap.Duration("duration", result.Duration))
}

// Statistics returns a copy of the scanner's counters.
func (s *Scanner) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.LastScanTimes = make(map[string]time.Time, len(s.lastScan))
	for name, t := range s.lastScan {
		out.LastScanTimes[name] = t
	}
	return out
}

// ResetStatistics zeroes the counters. Scan state (last scan times and
// fingerprints) is kept.
func (s *Scanner) ResetStatistics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Statistics{}
}

type errNotConnected string

func (e errNotConnected) Error() string {
	return "instance " + string(e) + " is not connected"
}
