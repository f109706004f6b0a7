package types

import (
	"maps"
	"time"
)

// Health states reported for a discovered endpoint.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// HealthStatus is the outcome of the most recent probe of an endpoint.
type HealthStatus struct {
	Status    string    `json:"status"`
	LastCheck time.Time `json:"lastCheck"`
	Message   string    `json:"message,omitempty"`
}

// Healthy reports whether the last probe succeeded.
func (h HealthStatus) Healthy() bool { return h.Status == HealthHealthy }

// ServiceEndpoint is one concrete address:port backing a tenant service.
type ServiceEndpoint struct {
	Service   string            `json:"service"`
	Namespace string            `json:"namespace"`
	Tenant    string            `json:"tenant"`
	Address   string            `json:"address"`
	Port      int32             `json:"port"`
	Protocol  string            `json:"protocol"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Health    HealthStatus      `json:"health"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Clone returns a copy that shares no maps with e.
func (e ServiceEndpoint) Clone() ServiceEndpoint {
	out := e
	if e.Metadata != nil {
		out.Metadata = maps.Clone(e.Metadata)
	}
	return out
}

// CloneEndpoints deep-copies a slice of endpoints. A nil input yields an empty slice.
func CloneEndpoints(in []ServiceEndpoint) []ServiceEndpoint {
	out := make([]ServiceEndpoint, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// SnapshotMetadata describes the tenant a snapshot belongs to.
type SnapshotMetadata struct {
	Tier         string    `json:"tier,omitempty"`
	Organization string    `json:"organization,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Snapshot is the persisted discovery view of one tenant. Revision grows by one
// with every refresh so readers can discard stale copies.
type Snapshot struct {
	Tenant    string            `json:"tenant"`
	Revision  uint64            `json:"revision"`
	Endpoints []ServiceEndpoint `json:"endpoints"`
	Metadata  SnapshotMetadata  `json:"metadata"`
}
