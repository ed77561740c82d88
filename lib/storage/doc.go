// Package storage persists scan results and serves metadata reads.
//
// MetadataStorage is the contract the metadata manager programs against.
// Two backends implement it: MongoStorage writes into a dedicated metadata
// database on the scanned instance itself, FileStorage writes JSON files
// under a local directory and exists for single-node setups and tests.
//
// Lookups distinguish absence from failure: a missing record is (nil, nil),
// an unreachable backend is (nil, err).
package storage
