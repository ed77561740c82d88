package semantics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// runStorageSuite exercises the Storage contract against any implementation.
func runStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	key := FieldKey{Instance: "primary", Database: "shop", Collection: "users", FieldPath: "email"}

	t.Run("SaveAndGet", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		conflict, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "customer email address",
			Confidence:      0.9,
			Source:          SourceManual,
		})
		require.NoError(t, err)
		assert.Nil(t, conflict)

		field, err := s.GetFieldSemantic(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, field)
		assert.Equal(t, "customer email address", field.BusinessMeaning)
		assert.Equal(t, "email", field.FieldPath)
		assert.Equal(t, 1, field.Version)
		assert.False(t, field.CreatedAt.IsZero())
	})

	t.Run("MissIsNilNil", func(t *testing.T) {
		s := newStorage(t)

		field, err := s.GetFieldSemantic(context.Background(),
			FieldKey{Instance: "x", Database: "y", Collection: "z", FieldPath: "nope"})
		assert.NoError(t, err)
		assert.Nil(t, field)
	})

	t.Run("ConflictDetection", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "customer email", Confidence: 0.5, Source: SourceAutoAnalysis,
		})
		require.NoError(t, err)

		// Same meaning again is not a conflict.
		conflict, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "customer email", Confidence: 0.9, Source: SourceManual,
		})
		require.NoError(t, err)
		assert.Nil(t, conflict)

		// A small confidence gap requires manual resolution.
		conflict, err = s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "billing contact", Confidence: 1.0, Source: SourceManual,
		})
		require.NoError(t, err)
		require.NotNil(t, conflict)
		assert.Equal(t, ResolutionManual, conflict.ResolutionStrategy)
		assert.Equal(t, "customer email", conflict.ExistingMeaning)
		assert.Equal(t, "billing contact", conflict.NewMeaning)

		// A large gap can be auto-resolved in favor of higher confidence.
		conflict, err = s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "primary contact email", Confidence: 0.3, Source: SourceAutoAnalysis,
		})
		require.NoError(t, err)
		require.NotNil(t, conflict)
		assert.Equal(t, ResolutionPreferHigherConfidence, conflict.ResolutionStrategy)

		// Conflicts are advisory: the write went through anyway.
		field, err := s.GetFieldSemantic(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, field)
		assert.Equal(t, "primary contact email", field.BusinessMeaning)
		assert.Equal(t, 4, field.Version)
	})

	t.Run("VersionHistory", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		meanings := []string{"first", "second", "third"}
		for _, m := range meanings {
			_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
				BusinessMeaning: m, Confidence: 0.8, Source: SourceManual,
			})
			require.NoError(t, err)
		}

		history, err := s.FieldHistory(ctx, key)
		require.NoError(t, err)
		require.Len(t, history, 2)

		// History archives the previous values, newest first.
		assert.Equal(t, "second", history[0].Field.BusinessMeaning)
		assert.Equal(t, "first", history[1].Field.BusinessMeaning)
		assert.NotEmpty(t, history[0].VersionID)
	})

	t.Run("VersionPruning", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		for i := 0; i < maxVersionsPerField+5; i++ {
			_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
				BusinessMeaning: "meaning", Confidence: float64(i) / 20, Source: SourceAutoAnalysis,
			})
			require.NoError(t, err)
		}

		history, err := s.FieldHistory(ctx, key)
		require.NoError(t, err)
		assert.Len(t, history, maxVersionsPerField)
	})

	t.Run("DeleteArchivesFinalVersion", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "to be removed", Confidence: 0.7, Source: SourceManual,
		})
		require.NoError(t, err)
		require.NoError(t, s.DeleteFieldSemantic(ctx, key))

		field, err := s.GetFieldSemantic(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, field)

		history, err := s.FieldHistory(ctx, key)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "to be removed", history[0].Field.BusinessMeaning)

		// Deleting a missing record is a no-op.
		assert.NoError(t, s.DeleteFieldSemantic(ctx, key))
	})

	t.Run("Search", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		seed := []struct {
			key   FieldKey
			field SemanticField
		}{
			{FieldKey{"primary", "shop", "users", "email"},
				SemanticField{BusinessMeaning: "customer email", Confidence: 0.9, Source: SourceManual}},
			{FieldKey{"primary", "shop", "users", "age"},
				SemanticField{BusinessMeaning: "customer age", Confidence: 0.4, Source: SourceAutoAnalysis}},
			{FieldKey{"replica", "crm", "leads", "contact"},
				SemanticField{BusinessMeaning: "lead email contact", Confidence: 0.7, Source: SourceConfirmed, Tags: []string{"pii"}}},
		}
		for _, item := range seed {
			_, err := s.SaveFieldSemantic(ctx, item.key, item.field)
			require.NoError(t, err)
		}

		hits, err := s.SearchSemantics(ctx, SearchQuery{Text: "email"})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		// Sorted by confidence, highest first.
		assert.Equal(t, "email", hits[0].Key.FieldPath)
		assert.Equal(t, "contact", hits[1].Key.FieldPath)

		hits, err = s.SearchSemantics(ctx, SearchQuery{Instance: "primary", MinConfidence: 0.5})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "email", hits[0].Key.FieldPath)

		hits, err = s.SearchSemantics(ctx, SearchQuery{Text: "pii"})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "contact", hits[0].Key.FieldPath)

		hits, err = s.SearchSemantics(ctx, SearchQuery{Sources: []string{SourceAutoAnalysis}})
		require.NoError(t, err)
		require.Len(t, hits, 1)

		hits, err = s.SearchSemantics(ctx, SearchQuery{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, hits, 1)
	})

	t.Run("CollectionSemantics", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		for _, path := range []string{"email", "name", "address.city"} {
			k := FieldKey{Instance: "primary", Database: "shop", Collection: "users", FieldPath: path}
			_, err := s.SaveFieldSemantic(ctx, k, SemanticField{
				BusinessMeaning: "meaning of " + path, Confidence: 0.8, Source: SourceManual,
			})
			require.NoError(t, err)
		}

		fields, err := s.GetCollectionSemantics(ctx, "primary", "shop", "users")
		require.NoError(t, err)
		assert.Len(t, fields, 3)
		assert.Contains(t, fields, "address.city")
	})

	t.Run("Batch", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		keys := []FieldKey{
			{Instance: "primary", Database: "shop", Collection: "users", FieldPath: "a"},
			{Instance: "primary", Database: "shop", Collection: "users", FieldPath: "b"},
		}
		fields := []SemanticField{
			{BusinessMeaning: "alpha", Confidence: 0.5, Source: SourceManual},
			{BusinessMeaning: "beta", Confidence: 0.5, Source: SourceManual},
		}
		conflicts, err := s.SaveBatch(ctx, keys, fields)
		require.NoError(t, err)
		assert.Empty(t, conflicts)

		// Changing one meaning surfaces exactly one conflict.
		fields[0].BusinessMeaning = "not alpha"
		conflicts, err = s.SaveBatch(ctx, keys, fields)
		require.NoError(t, err)
		assert.Len(t, conflicts, 1)

		_, err = s.SaveBatch(ctx, keys[:1], fields)
		assert.Error(t, err)
	})

	t.Run("GetBatch", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		stored := FieldKey{Instance: "primary", Database: "shop", Collection: "users", FieldPath: "email"}
		missing := FieldKey{Instance: "primary", Database: "shop", Collection: "users", FieldPath: "phone"}
		_, err := s.SaveFieldSemantic(ctx, stored, SemanticField{
			BusinessMeaning: "customer email", Confidence: 0.9, Source: SourceManual,
		})
		require.NoError(t, err)

		got, err := s.GetBatch(ctx, []FieldKey{stored, missing})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "customer email", got[stored].BusinessMeaning)
		assert.NotContains(t, got, missing)
	})

	t.Run("ResolveConflict", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "customer email", Confidence: 0.5, Source: SourceAutoAnalysis,
		})
		require.NoError(t, err)
		conflict, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "billing contact", Confidence: 0.6, Source: SourceAutoAnalysis,
		})
		require.NoError(t, err)
		require.NotNil(t, conflict)

		resolved := SemanticField{
			BusinessMeaning: "customer email", Confidence: 0.95, Source: SourceConfirmed,
		}
		require.NoError(t, s.ResolveConflict(ctx, *conflict, resolved))

		field, err := s.GetFieldSemantic(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, field)
		assert.Equal(t, "customer email", field.BusinessMeaning)
		assert.Equal(t, SourceConfirmed, field.Source)

		// The losing value is recoverable through the version history.
		history, err := s.FieldHistory(ctx, key)
		require.NoError(t, err)
		require.NotEmpty(t, history)
		assert.Equal(t, "billing contact", history[0].Field.BusinessMeaning)
	})

	t.Run("SnapshotRestore", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		k := FieldKey{Instance: "primary", Database: "shop", Collection: "users", FieldPath: "email"}
		_, err := s.SaveFieldSemantic(ctx, k, SemanticField{
			BusinessMeaning: "original", Confidence: 0.9, Source: SourceManual,
		})
		require.NoError(t, err)
		require.NoError(t, s.CreateSnapshot(ctx, "primary", "shop", "users", "before-import"))

		_, err = s.SaveFieldSemantic(ctx, k, SemanticField{
			BusinessMeaning: "overwritten", Confidence: 0.3, Source: SourceAutoAnalysis,
		})
		require.NoError(t, err)

		require.NoError(t, s.RestoreSnapshot(ctx, "primary", "shop", "users", "before-import"))

		field, err := s.GetFieldSemantic(ctx, k)
		require.NoError(t, err)
		require.NotNil(t, field)
		assert.Equal(t, "original", field.BusinessMeaning)

		assert.Error(t, s.RestoreSnapshot(ctx, "primary", "shop", "users", "no-such-snapshot"))
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "v1", Confidence: 0.5, Source: SourceManual,
		})
		require.NoError(t, err)
		_, err = s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "v2", Confidence: 0.6, Source: SourceManual,
		})
		require.NoError(t, err)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TotalFields)
		assert.Equal(t, 1, stats.TotalVersions)
		assert.Equal(t, 1, stats.BySource[SourceManual])
		assert.Equal(t, 1, stats.ByInstance["primary"])
	})

	t.Run("CleanupOldVersions", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "v1", Confidence: 0.5, Source: SourceManual,
		})
		require.NoError(t, err)
		_, err = s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: "v2", Confidence: 0.6, Source: SourceManual,
		})
		require.NoError(t, err)

		// Nothing is old enough yet.
		removed, err := s.CleanupOldVersions(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed)

		removed, err = s.CleanupOldVersions(ctx, -time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		history, err := s.FieldHistory(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		s := newStorage(t)
		assert.NoError(t, s.HealthCheck(context.Background()))
	})
}

func TestLocalStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		s, err := NewLocalStorage(t.TempDir(), zap.NewNop())
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}

func TestLocalStorageDirectoryLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStorage(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	key := FieldKey{Instance: "primary", Database: "shop", Collection: "users", FieldPath: "address.city"}
	for _, meaning := range []string{"city", "shipping city"} {
		_, err := s.SaveFieldSemantic(ctx, key, SemanticField{
			BusinessMeaning: meaning, Confidence: 0.8, Source: SourceManual,
		})
		require.NoError(t, err)
	}

	// Current value under instances/<i>/databases/<d>/collections/<c>/.
	current := filepath.Join(dir, "instances", "primary", "databases", "shop", "collections", "users", "address.city.json")
	_, err = os.Stat(current)
	assert.NoError(t, err)

	// Versions under the flat versions/<i>/<d>/<c>/<field>/ tree.
	versions, err := os.ReadDir(filepath.Join(dir, "versions", "primary", "shop", "users", "address.city"))
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestDetectConflictDeterministic(t *testing.T) {
	key := FieldKey{Instance: "i", Database: "d", Collection: "c", FieldPath: "f"}
	existing := &SemanticField{BusinessMeaning: "a", Confidence: 0.5}
	next := &SemanticField{BusinessMeaning: "b", Confidence: 0.71}

	for i := 0; i < 10; i++ {
		conflict := detectConflict(key, existing, next)
		require.NotNil(t, conflict)
		assert.Equal(t, ResolutionPreferHigherConfidence, conflict.ResolutionStrategy)
		assert.InDelta(t, 0.21, conflict.ConfidenceDiff, 1e-9)
	}

	// The gap boundary itself is not auto-resolvable.
	boundary := detectConflict(key, existing, &SemanticField{BusinessMeaning: "b", Confidence: 0.7})
	require.NotNil(t, boundary)
	assert.Equal(t, ResolutionManual, boundary.ResolutionStrategy)

	// The diff is absolute: a less confident incoming meaning reports the
	// same magnitude and strategy as a more confident one.
	downward := detectConflict(key,
		&SemanticField{BusinessMeaning: "a", Confidence: 1.0},
		&SemanticField{BusinessMeaning: "b", Confidence: 0.3})
	require.NotNil(t, downward)
	assert.InDelta(t, 0.7, downward.ConfidenceDiff, 1e-9)
	assert.Equal(t, ResolutionPreferHigherConfidence, downward.ResolutionStrategy)

	assert.Nil(t, detectConflict(key, nil, next))
	assert.Nil(t, detectConflict(key, existing, &SemanticField{BusinessMeaning: "a", Confidence: 0.9}))
	assert.Nil(t, detectConflict(key, &SemanticField{}, next))
}
