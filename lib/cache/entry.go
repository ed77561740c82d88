package cache

import (
	"time"
)

// --------------------------------------------------------------------------
// Entry Type (cached value with access metadata)
// --------------------------------------------------------------------------

// Entry is a single cached value together with the bookkeeping the eviction
// strategies need: creation and expiry timestamps, access count and the time
// of the last access.
type Entry struct {
	Key          string    // Hashed cache key
	Namespace    string    // Namespace tag for bulk invalidation
	Args         []string  // Key arguments; Args[0] is the owning instance by convention
	Value        any       // Cached payload
	CreatedAt    time.Time // Creation time
	ExpiresAt    time.Time // Expiry time (CreatedAt + ttl)
	AccessCount  uint64    // Number of Get hits
	LastAccessed time.Time // Time of the last hit (or creation)
}

func newEntry(key, namespace string, args []string, value any, ttl time.Duration, now time.Time) *Entry {
	return &Entry{
		Key:          key,
		Namespace:    namespace,
		Args:         args,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
}

// IsExpired reports whether the entry has passed its expiry time.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// touch records a hit.
func (e *Entry) touch(now time.Time) {
	e.AccessCount++
	e.LastAccessed = now
}

// extendTTL moves the expiry window forward. The expiry time never decreases
// after creation: a refresh with a shorter ttl than the remaining lifetime is
// a no-op.
func (e *Entry) extendTTL(ttl time.Duration, now time.Time) {
	if next := now.Add(ttl); next.After(e.ExpiresAt) {
		e.ExpiresAt = next
	}
}

// Info is the serializable view of an entry returned by
// MetadataCache.CacheInfo.
type Info struct {
	Key          string    `json:"key"`
	Namespace    string    `json:"namespace"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  uint64    `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

func (e *Entry) info() Info {
	return Info{
		Key:          e.Key,
		Namespace:    e.Namespace,
		CreatedAt:    e.CreatedAt,
		ExpiresAt:    e.ExpiresAt,
		AccessCount:  e.AccessCount,
		LastAccessed: e.LastAccessed,
	}
}
