package scanner

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Scan Result Types
// --------------------------------------------------------------------------

// FieldStats aggregates one field path across the sampled documents.
type FieldStats struct {
	// Count is the number of sampled documents containing the field.
	Count int `json:"count" bson:"count"`

	// Types maps observed type names to occurrence counts.
	Types map[string]int `json:"types" bson:"types"`

	// Examples holds up to maxFieldExamples representative values.
	Examples []any `json:"examples" bson:"examples"`

	// Frequency is Count divided by the sample size, in (0, 1].
	Frequency float64 `json:"frequency" bson:"frequency"`

	// PrimaryType is the most frequent entry of Types.
	PrimaryType string `json:"primary_type" bson:"primary_type"`
}

// FieldAnalysis is the sampled field structure of one collection. Nested
// fields use dotted paths ("address.city"); array elements are analyzed
// under the array field's path.
type FieldAnalysis struct {
	SampleCount int                    `json:"sample_count" bson:"sample_count"`
	Fields      map[string]*FieldStats `json:"fields" bson:"fields"`
}

// CollectionMeta is everything the scanner derives for one collection.
type CollectionMeta struct {
	Database      string         `json:"database" bson:"database"`
	Name          string         `json:"name" bson:"name"`
	DocumentCount int64          `json:"document_count" bson:"document_count"`
	AvgObjSize    int64          `json:"avg_obj_size" bson:"avg_obj_size"`
	TotalSize     int64          `json:"total_size" bson:"total_size"`
	Indexes       []IndexMeta    `json:"indexes" bson:"indexes"`
	Fields        *FieldAnalysis `json:"fields,omitempty" bson:"fields,omitempty"`
	ScannedAt     time.Time      `json:"scanned_at" bson:"scanned_at"`
}

// IndexMeta describes one index on a scanned collection.
type IndexMeta struct {
	Name   string         `json:"name" bson:"name"`
	Key    map[string]any `json:"key" bson:"key"`
	Unique bool           `json:"unique" bson:"unique"`
}

// DatabaseMeta is everything the scanner derives for one database.
type DatabaseMeta struct {
	Name            string    `json:"name" bson:"name"`
	SizeOnDisk      int64     `json:"size_on_disk" bson:"size_on_disk"`
	CollectionCount int64     `json:"collection_count" bson:"collection_count"`
	IndexCount      int64     `json:"index_count" bson:"index_count"`
	ScanType        string    `json:"scan_type" bson:"scan_type"`
	ScannedAt       time.Time `json:"scanned_at" bson:"scanned_at"`
}

// ScanResult is the outcome of scanning one instance. Success is false only
// when the scan failed at the top level; individual databases or collections
// that could not be read are logged and skipped without failing the scan.
type ScanResult struct {
	ScanID       uuid.UUID        `json:"scan_id"`
	InstanceName string           `json:"instance_name"`
	Success      bool             `json:"success"`
	Error        string           `json:"error,omitempty"`
	Strategy     string           `json:"strategy"`
	ScanTime     time.Time        `json:"scan_time"`
	Duration     time.Duration    `json:"duration"`
	Databases    []DatabaseMeta   `json:"databases"`
	Collections  []CollectionMeta `json:"collections"`

	// Fingerprints maps database name to the collection-set fingerprint
	// observed during the scan, used to gate later incremental scans.
	Fingerprints map[string]uint64 `json:"-"`
}

// MetadataCount is the number of collection records the scan produced.
func (r *ScanResult) MetadataCount() int {
	return len(r.Collections)
}

func newResult(instanceName, strategy string) *ScanResult {
	return &ScanResult{
		ScanID:       uuid.New(),
		InstanceName: instanceName,
		Strategy:     strategy,
		ScanTime:     time.Now(),
		Fingerprints: make(map[string]uint64),
	}
}

func failedResult(instanceName, strategy string, err error) *ScanResult {
	r := newResult(instanceName, strategy)
	r.Error = err.Error()
	return r
}

// databaseFingerprint hashes the sorted collection-name set of a database.
// It changes whenever a collection is created, dropped or renamed.
func databaseFingerprint(collectionNames []string) uint64 {
	names := make([]string, len(collectionNames))
	copy(names, collectionNames)
	sort.Strings(names)

	h := xxhash.New()
	for _, name := range names {
		_, _ = h.WriteString(name)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
