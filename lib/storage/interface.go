package storage

import (
	"context"
	"time"

	"github.com/querynest/querynest/lib/scanner"
)

// --------------------------------------------------------------------------
// Storage Contract
// --------------------------------------------------------------------------

// InstanceMeta is the stored instance-level summary of the latest scan.
type InstanceMeta struct {
	Name            string    `json:"name" bson:"name"`
	LastScanTime    time.Time `json:"last_scan_time" bson:"last_scan_time"`
	ScanSuccess     bool      `json:"scan_success" bson:"scan_success"`
	DatabaseCount   int       `json:"database_count" bson:"database_count"`
	CollectionCount int       `json:"collection_count" bson:"collection_count"`
	LastError       string    `json:"last_error,omitempty" bson:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// ScanRecord is one append-only scan history entry. ScanID is the string
// form of the scan's UUID.
type ScanRecord struct {
	ScanID        string        `json:"scan_id" bson:"scan_id"`
	InstanceName  string        `json:"instance_name" bson:"instance_name"`
	ScanTime      time.Time     `json:"scan_time" bson:"scan_time"`
	Strategy      string        `json:"strategy" bson:"strategy"`
	Success       bool          `json:"success" bson:"success"`
	Error         string        `json:"error,omitempty" bson:"error,omitempty"`
	MetadataCount int           `json:"metadata_count" bson:"metadata_count"`
	Duration      time.Duration `json:"duration" bson:"duration"`
}

// MetadataStorage persists scan results and serves metadata reads.
//
// Implementations must upsert by natural key (instance, database,
// collection names) so repeated scans never duplicate records, and must
// return (nil, nil) for lookups that find nothing.
type MetadataStorage interface {
	// StoreScanResult upserts everything a scan produced and appends a
	// history record. Failed scans update the instance summary and history
	// only.
	StoreScanResult(ctx context.Context, result *scanner.ScanResult) error

	// GetInstanceMetadata returns the stored instance summary.
	GetInstanceMetadata(ctx context.Context, instance string) (*InstanceMeta, error)

	// GetDatabaseMetadata returns one stored database record.
	GetDatabaseMetadata(ctx context.Context, instance, database string) (*scanner.DatabaseMeta, error)

	// GetCollectionMetadata returns one stored collection record.
	GetCollectionMetadata(ctx context.Context, instance, database, collection string) (*scanner.CollectionMeta, error)

	// ListInstances returns the stored summaries of every known instance,
	// sorted by name.
	ListInstances(ctx context.Context) ([]InstanceMeta, error)

	// ListDatabases returns all stored database records of an instance.
	ListDatabases(ctx context.Context, instance string) ([]scanner.DatabaseMeta, error)

	// ListCollections returns all stored collection records of a database.
	ListCollections(ctx context.Context, instance, database string) ([]scanner.CollectionMeta, error)

	// DeleteInstanceMetadata removes everything stored for an instance,
	// including its scan history.
	DeleteInstanceMetadata(ctx context.Context, instance string) error

	// ScanHistory returns the most recent scan records, newest first,
	// capped at limit (<=0 means a backend default).
	ScanHistory(ctx context.Context, instance string, limit int) ([]ScanRecord, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// recordFromResult builds the history entry for a scan result.
func recordFromResult(result *scanner.ScanResult) ScanRecord {
	return ScanRecord{
		ScanID:        result.ScanID.String(),
		InstanceName:  result.InstanceName,
		ScanTime:      result.ScanTime,
		Strategy:      result.Strategy,
		Success:       result.Success,
		Error:         result.Error,
		MetadataCount: result.MetadataCount(),
		Duration:      result.Duration,
	}
}

// mergeDatabases upserts delta records into prior by name. Records the
// delta does not mention stay as they were; an incremental scan only
// carries the databases whose fingerprint changed.
func mergeDatabases(prior, delta []scanner.DatabaseMeta) []scanner.DatabaseMeta {
	out := append([]scanner.DatabaseMeta(nil), prior...)
	for _, d := range delta {
		replaced := false
		for i := range out {
			if out[i].Name == d.Name {
				out[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, d)
		}
	}
	return out
}

// mergeCollections upserts delta records into prior by (database, name).
// Incremental scans skip document sampling, so a delta record without field
// analysis keeps the prior record's analysis alive.
func mergeCollections(prior, delta []scanner.CollectionMeta) []scanner.CollectionMeta {
	out := append([]scanner.CollectionMeta(nil), prior...)
	for _, c := range delta {
		replaced := false
		for i := range out {
			if out[i].Database == c.Database && out[i].Name == c.Name {
				if c.Fields == nil {
					c.Fields = out[i].Fields
				}
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}
