package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Instances:        map[string]string{"primary": "mongodb://localhost:27017"},
		StorageType:      StorageTypeMongo,
		SemanticsDir:     "semantics",
		ScanInterval:     time.Hour,
		FullScanInterval: 24 * time.Hour,
		SampleSize:       100,
		OpTimeout:        10 * time.Second,
		Endpoint:         "0.0.0.0:8080",
		LogLevel:         "info",
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	c := validConfig()
	c.Instances = nil
	assert.Error(t, c.Validate())

	c = validConfig()
	c.StorageType = "postgres"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.StorageType = StorageTypeFile
	c.MetadataDir = ""
	assert.Error(t, c.Validate())

	c = validConfig()
	c.StorageType = StorageTypeFile
	c.MetadataDir = "metadata"
	assert.NoError(t, c.Validate())

	c = validConfig()
	c.ScanInterval = 0
	assert.Error(t, c.Validate())
}

func TestParseInstances(t *testing.T) {
	instances, err := ParseInstances("primary=mongodb://localhost:27017, replica = mongodb://replica:27017")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"primary": "mongodb://localhost:27017",
		"replica": "mongodb://replica:27017",
	}, instances)

	_, err = ParseInstances("primary")
	assert.Error(t, err)

	_, err = ParseInstances("=mongodb://localhost")
	assert.Error(t, err)

	_, err = ParseInstances("a=x,a=y")
	assert.Error(t, err)
}

func TestStringOmitsURIs(t *testing.T) {
	s := validConfig().String()
	assert.Contains(t, s, "primary")
	assert.NotContains(t, s, "mongodb://localhost:27017")
}
