package xtestbus

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	Published     EventType = "publish"
	ConsumeStart  EventType = "consume_start"
	ConsumeDone   EventType = "consume_done"
	FaultCaptured EventType = "consumer_fault"
	DrainStart    EventType = "drain_start"
	DrainDone     EventType = "drain_done"
	Disabled      EventType = "disabled"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	ProducerUID string
	ConsumerUID string
	DataType    string
	Attempts    int
	Duration    time.Duration
	Err         error

	// Internal: attached for async dispatch
	observers []Observer
}

// ProcessorStats reports the counters of one consumer processor.
type ProcessorStats struct {
	ConsumerUID string
	Received    uint64
	Processed   uint64
	Faulted     bool
}

// Pending returns the number of items received but not yet processed.
func (s ProcessorStats) Pending() uint64 {
	if s.Processed >= s.Received {
		return 0
	}
	return s.Received - s.Processed
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published        uint64
	Delivered        uint64
	Consumed         uint64
	Faults           uint64
	Drains           uint64
	EventsDropped    uint64
	AvgConsumeTimeMs float64
}

// HealthStatus indicates bus health.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
