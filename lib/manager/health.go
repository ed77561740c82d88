package manager

import (
	"context"
	"time"
)

// Health status values. Unhealthy is reserved for an unreachable storage
// backend; instance-level problems only degrade the service because cached
// and stored metadata stays readable.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// InstanceHealth is the per-instance part of a health report.
type InstanceHealth struct {
	Connected       bool       `json:"connected"`
	LastScanSuccess *bool      `json:"last_scan_success,omitempty"`
	LastScanTime    *time.Time `json:"last_scan_time,omitempty"`
}

// Health is the result of one health check.
type Health struct {
	Status       string                    `json:"status"`
	StorageError string                    `json:"storage_error,omitempty"`
	Instances    map[string]InstanceHealth `json:"instances"`
	CheckedAt    time.Time                 `json:"checked_at"`
}

// HealthCheck probes the storage backend and every registered instance.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	health := Health{
		Status:    StatusHealthy,
		Instances: make(map[string]InstanceHealth),
		CheckedAt: time.Now().UTC(),
	}

	// Storage reachability is probed through the instance listing, so a
	// broken backend surfaces even before the first instance is registered.
	if _, err := m.store.ListInstances(ctx); err != nil {
		health.StorageError = err.Error()
	}

	names := m.conns.InstanceNames()
	if len(names) == 0 {
		if health.StorageError != "" {
			health.Status = StatusUnhealthy
		}
		return health
	}

	degraded := false
	for _, name := range names {
		_, connected := m.conns.InstanceClient(name)
		ih := InstanceHealth{Connected: connected}
		if !connected {
			degraded = true
		}

		meta, err := m.store.GetInstanceMetadata(ctx, name)
		if err != nil {
			health.StorageError = err.Error()
		} else if meta != nil {
			success := meta.ScanSuccess
			scanTime := meta.LastScanTime
			ih.LastScanSuccess = &success
			ih.LastScanTime = &scanTime
			if !success {
				degraded = true
			}
		} else {
			// Registered but never scanned.
			degraded = true
		}
		health.Instances[name] = ih
	}

	switch {
	case health.StorageError != "":
		health.Status = StatusUnhealthy
	case degraded:
		health.Status = StatusDegraded
	}
	return health
}
