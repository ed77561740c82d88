// Package scanner derives structural metadata from live database instances:
// databases, collections, indexes and per-field frequency statistics built
// from random document samples.
//
// Two strategies implement the traversal. FullScan re-derives everything
// including the expensive field sampling; IncrementalScan re-fetches only
// databases whose collection-set fingerprint changed since the previous scan
// and falls back to a full scan when no prior scan is recorded. The Scanner
// fans out one concurrent scan per instance and selects a strategy per
// instance based on the age of its last successful scan.
package scanner
