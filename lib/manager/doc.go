// Package manager is the facade tying connections, scanner, storage and the
// multi-level cache together.
//
// Reads are read-through: cache first, then storage, with the result cached
// on the way back. Storage errors on the read path degrade to cache-only
// operation: they are logged and counted, and the caller sees a miss rather
// than an error. Writes are write-through: a scan is persisted and then the
// instance's cache entries are invalidated, so no read can observe cached
// state newer than storage.
package manager
