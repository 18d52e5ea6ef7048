package xrsocket

import (
	"time"
)

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events handed to every observer
	Panicked     uint64 // Observer calls that panicked
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the dispatcher.
type Metrics struct {
	Dispatched          uint64
	Completed           uint64
	Rejected            uint64
	Failed              uint64
	Cancelled           uint64
	Emitted             uint64
	MetadataSkipped     uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates dispatcher health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
