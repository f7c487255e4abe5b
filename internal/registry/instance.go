// Package registry maintains the set of known backend service instances and
// their reachability, refreshed by periodic health probes.
package registry

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Health represents the reachability of a service instance.
type Health int32

const (
	// HealthUnknown indicates the instance has not been probed yet.
	HealthUnknown Health = iota

	// HealthHealthy indicates the last probe succeeded.
	HealthHealthy

	// HealthUnhealthy indicates the last probe failed.
	HealthUnhealthy
)

// String returns the string representation of the health status.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ServiceInstance is one concrete, independently reachable deployment of a
// named backend service. Health fields are mutated only by the probe loop;
// they use atomics so selection paths never block on a probe in flight.
type ServiceInstance struct {
	ID       string
	Name     string
	URL      string
	Version  string
	Metadata map[string]string

	health       atomic.Int32
	lastCheck    atomic.Int64 // unix nanos, zero until first probe
	responseTime atomic.Int64 // nanoseconds
}

// NewInstance creates an instance with a generated id and unknown health.
func NewInstance(name, url, version string, metadata map[string]string) *ServiceInstance {
	inst := &ServiceInstance{
		ID:       uuid.New().String(),
		Name:     name,
		URL:      url,
		Version:  version,
		Metadata: metadata,
	}
	inst.health.Store(int32(HealthUnknown))
	return inst
}

// Health returns the current health status.
func (i *ServiceInstance) Health() Health {
	return Health(i.health.Load())
}

// SetHealth sets the health status and returns the previous value.
func (i *ServiceInstance) SetHealth(h Health) Health {
	return Health(i.health.Swap(int32(h)))
}

// LastHealthCheck returns the time of the most recent probe, or the zero
// time if the instance has never been probed.
func (i *ServiceInstance) LastHealthCheck() time.Time {
	nanos := i.lastCheck.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// ResponseTime returns the latency of the most recent probe.
func (i *ServiceInstance) ResponseTime() time.Duration {
	return time.Duration(i.responseTime.Load())
}

// RecordProbe records the timing of a completed probe.
func (i *ServiceInstance) RecordProbe(at time.Time, latency time.Duration) {
	i.lastCheck.Store(at.UnixNano())
	i.responseTime.Store(int64(latency))
}

// InstanceView is an immutable snapshot of an instance for observability
// surfaces.
type InstanceView struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Version         string            `json:"version,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Health          string            `json:"health"`
	LastHealthCheck time.Time         `json:"lastHealthCheck"`
	ResponseTimeMs  int64             `json:"responseTimeMs"`
}

// View returns a snapshot of the instance.
func (i *ServiceInstance) View() InstanceView {
	return InstanceView{
		ID:              i.ID,
		Name:            i.Name,
		URL:             i.URL,
		Version:         i.Version,
		Metadata:        i.Metadata,
		Health:          i.Health().String(),
		LastHealthCheck: i.LastHealthCheck(),
		ResponseTimeMs:  i.ResponseTime().Milliseconds(),
	}
}
