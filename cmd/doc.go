// Package cmd implements the command-line interface for the QueryNest
// metadata server. It provides a hierarchical command structure with
// operations for running the server and for one-shot scans.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring the metadata server
//   - scan: Commands for running a one-shot scan of all instances
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See querynest -help for a list of all commands.
package cmd
