// Package conn abstracts the document-database client the scanner depends
// on: listing databases and collections, fetching stats, sampling documents
// and listing indexes.
//
// The interfaces keep the scanner storage-agnostic and testable without a
// live deployment; MongoManager is the production implementation backed by
// the official MongoDB driver, holding one named client per instance.
package conn
