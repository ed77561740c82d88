package semantics

import (
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Semantic Types
// --------------------------------------------------------------------------

// Provenance of a semantic record.
const (
	SourceManual       = "manual"
	SourceAutoAnalysis = "auto_analysis"
	SourceConfirmed    = "confirmed"
)

// Conflict resolution strategies.
const (
	ResolutionPreferHigherConfidence = "prefer_higher_confidence"
	ResolutionManual                 = "manual"
)

// confidenceGap is the confidence difference above which a conflict can be
// resolved automatically in favor of the more confident meaning.
const confidenceGap = 0.2

// SemanticField is the business meaning assigned to one field.
type SemanticField struct {
	FieldPath       string         `json:"field_path"`
	BusinessMeaning string         `json:"business_meaning"`
	Confidence      float64        `json:"confidence"`
	DataType        string         `json:"data_type,omitempty"`
	Examples        []any          `json:"examples,omitempty"`
	AnalysisResult  map[string]any `json:"analysis_result,omitempty"`
	Source          string         `json:"source"`
	Version         int            `json:"version"`
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// FieldKey locates one semantic record.
type FieldKey struct {
	Instance   string `json:"instance"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
	FieldPath  string `json:"field_path"`
}

// ConflictInfo describes a save that would change an existing non-empty
// meaning. Conflicts are advisory: the save proceeds regardless.
// ConfidenceDiff is the absolute confidence difference between the two
// meanings, regardless of which one is higher.
type ConflictInfo struct {
	Key                FieldKey `json:"key"`
	ExistingMeaning    string   `json:"existing_meaning"`
	NewMeaning         string   `json:"new_meaning"`
	ExistingConfidence float64  `json:"existing_confidence"`
	NewConfidence      float64  `json:"new_confidence"`
	ConfidenceDiff     float64  `json:"confidence_diff"`
	ResolutionStrategy string   `json:"resolution_strategy"`
}

// ResolutionRecord is the audit trail of one resolved conflict: the conflict
// as it was reported, the record chosen to stand, and when.
type ResolutionRecord struct {
	Conflict   ConflictInfo  `json:"conflict"`
	Resolved   SemanticField `json:"resolved"`
	ResolvedAt time.Time     `json:"resolved_at"`
}

// VersionRecord is one archived prior value of a field.
type VersionRecord struct {
	VersionID string        `json:"version_id"`
	Timestamp time.Time     `json:"timestamp"`
	Field     SemanticField `json:"field"`
}

// SearchQuery filters semantic records. Zero-valued filters match anything.
type SearchQuery struct {
	// Text matches case-insensitively against field path, business
	// meaning and tags.
	Text string

	// Instance, Database and Collection restrict the search scope.
	Instance   string
	Database   string
	Collection string

	// MinConfidence drops records below the threshold.
	MinConfidence float64

	// Sources restricts to the given provenance values.
	Sources []string

	// Limit caps the number of hits; <=0 means no cap.
	Limit int
}

// SearchHit is one search result with its location.
type SearchHit struct {
	Key   FieldKey      `json:"key"`
	Field SemanticField `json:"field"`
}

// StorageStats summarizes the stored corpus.
type StorageStats struct {
	TotalFields    int            `json:"total_fields"`
	TotalVersions  int            `json:"total_versions"`
	TotalSnapshots int            `json:"total_snapshots"`
	BySource       map[string]int `json:"by_source"`
	ByInstance     map[string]int `json:"by_instance"`
	DiskBytes      int64          `json:"disk_bytes"`
}

// detectConflict reports whether writing next over existing changes a
// non-empty meaning, and how the conflict could be resolved.
func detectConflict(key FieldKey, existing, next *SemanticField) *ConflictInfo {
	if existing == nil || next == nil {
		return nil
	}
	if existing.BusinessMeaning == "" || next.BusinessMeaning == "" {
		return nil
	}
	if existing.BusinessMeaning == next.BusinessMeaning {
		return nil
	}

	diff := abs(next.Confidence - existing.Confidence)
	strategy := ResolutionManual
	if diff > confidenceGap {
		strategy = ResolutionPreferHigherConfidence
	}
	return &ConflictInfo{
		Key:                key,
		ExistingMeaning:    existing.BusinessMeaning,
		NewMeaning:         next.BusinessMeaning,
		ExistingConfidence: existing.Confidence,
		NewConfidence:      next.Confidence,
		ConfidenceDiff:     diff,
		ResolutionStrategy: strategy,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// matches reports whether a record satisfies the query filters.
func (q SearchQuery) matches(key FieldKey, field SemanticField) bool {
	if q.Instance != "" && key.Instance != q.Instance {
		return false
	}
	if q.Database != "" && key.Database != q.Database {
		return false
	}
	if q.Collection != "" && key.Collection != q.Collection {
		return false
	}
	if field.Confidence < q.MinConfidence {
		return false
	}
	if len(q.Sources) > 0 {
		found := false
		for _, src := range q.Sources {
			if field.Source == src {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(field.FieldPath), needle) &&
			!strings.Contains(strings.ToLower(field.BusinessMeaning), needle) &&
			!containsFold(field.Tags, needle) {
			return false
		}
	}
	return true
}

func containsFold(values []string, needle string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}
