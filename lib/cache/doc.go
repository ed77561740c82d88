// Package cache implements the in-memory metadata cache used by the
// metadata manager.
//
// A MetadataCache is a bounded, namespaced key-value cache with a pluggable
// eviction strategy (LRU, LFU, TTL or a weighted hybrid) and hit/miss
// statistics. MultiLevel composes three independently configured caches with
// fixed roles (instance, database and collection granularity) and supports
// cross-tier invalidation by instance name.
//
// The cache is a best-effort accelerator, not a source of truth: operations
// never return errors, capacity pressure is always resolved by eviction and
// expiry is checked lazily on access.
package cache
