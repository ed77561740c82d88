package scanner

import (
	"context"
	"strings"

	"github.com/querynest/querynest/lib/conn"
)

// --------------------------------------------------------------------------
// Strategy Contract
// --------------------------------------------------------------------------

// Strategy names as recorded in ScanResult.Strategy.
const (
	StrategyFull        = "full"
	StrategyIncremental = "incremental"
)

// Strategy performs the traversal of one instance. Implementations must not
// fail the whole scan when a single database or collection cannot be read;
// such units are logged and skipped.
type Strategy interface {
	// Name returns the strategy name recorded in results.
	Name() string

	// ScanInstance scans one instance through the given client and always
	// returns a non-nil result; top-level failures are reported via
	// Success=false and Error.
	ScanInstance(ctx context.Context, instanceName string, client conn.Client) *ScanResult
}

// systemDatabases are never scanned, matched case-insensitively.
var systemDatabases = map[string]struct{}{
	"admin":  {},
	"local":  {},
	"config": {},
	"test":   {},
}

func isSystemDatabase(name string) bool {
	_, ok := systemDatabases[strings.ToLower(name)]
	return ok
}

func isSystemCollection(name string) bool {
	return strings.HasPrefix(name, "system.") || strings.HasPrefix(name, "__")
}
