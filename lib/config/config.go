// Package config holds the server configuration assembled from flags and
// environment variables.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Storage backend selectors.
const (
	StorageTypeMongo = "mongo"
	StorageTypeFile  = "file"
)

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// Config holds all configuration parameters for the metadata server.
type Config struct {
	// Instances maps instance names to MongoDB connection URIs.
	Instances map[string]string

	// Metadata storage parameters
	StorageType string // mongo or file
	MetadataDir string // root directory for the file backend

	// Semantic storage parameters
	SemanticsDir string

	// Scanner parameters
	ScanInterval     time.Duration
	FullScanInterval time.Duration
	SampleSize       int
	OpTimeout        time.Duration

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one instance must be configured")
	}
	switch c.StorageType {
	case StorageTypeMongo:
	case StorageTypeFile:
		if c.MetadataDir == "" {
			return fmt.Errorf("metadata-dir is required for the file storage backend")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (expected one of: mongo, file)", c.StorageType)
	}
	if c.SemanticsDir == "" {
		return fmt.Errorf("semantics-dir must not be empty")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan-interval must be positive")
	}
	return nil
}

// String returns a formatted string representation of the configuration.
// Connection URIs are omitted since they may carry credentials.
func (c *Config) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// API settings
	addSection("API Server")
	addField("Endpoint", c.Endpoint)

	// Instances
	addSection("Instances")
	var names []string
	for name := range c.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		addField(fmt.Sprintf("%d", i), name)
	}

	// Storage
	addSection("Storage")
	addField("Backend", c.StorageType)
	if c.StorageType == StorageTypeFile {
		addField("Metadata Directory", c.MetadataDir)
	}
	addField("Semantics Directory", c.SemanticsDir)

	// Scanner
	addSection("Scanner")
	addField("Scan Interval", c.ScanInterval.String())
	addField("Full Scan Interval", c.FullScanInterval.String())
	addField("Sample Size", fmt.Sprintf("%d", c.SampleSize))
	addField("Operation Timeout", c.OpTimeout.String())

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// ParseInstances parses a comma-separated list of name=uri pairs.
func ParseInstances(spec string) (map[string]string, error) {
	instances := make(map[string]string)
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, uri, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid instance format: %s (expected NAME=URI)", item)
		}
		name = strings.TrimSpace(name)
		uri = strings.TrimSpace(uri)
		if name == "" || uri == "" {
			return nil, fmt.Errorf("invalid instance format: %s (empty name or URI)", item)
		}
		if _, dup := instances[name]; dup {
			return nil, fmt.Errorf("duplicate instance name: %s", name)
		}
		instances[name] = uri
	}
	return instances, nil
}
