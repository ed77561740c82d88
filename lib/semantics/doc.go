// Package semantics stores human- and analysis-assigned business meanings
// for database fields, keyed by instance, database, collection and dotted
// field path.
//
// Writes are versioned: saving over an existing record first snapshots the
// previous value, with a bounded number of versions kept per field. Saves
// that change a non-empty meaning additionally report an advisory conflict;
// the write still proceeds, the caller decides what to do with the report.
//
// LocalStorage is the production implementation backed by a JSON file tree;
// MemoryStorage backs tests and embedding without a data directory.
package semantics
