package control

import (
	"sync"
	"time"
)

// Metrics counts control requests per operation. Everything is in-memory
// and resets with the daemon; the metrics operation exposes a snapshot.
type Metrics struct {
	mu        sync.Mutex
	startTime time.Time
	requests  map[string]int64
	errors    map[string]int64
	latency   map[string]time.Duration
}

// NewMetrics returns an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		requests:  make(map[string]int64),
		errors:    make(map[string]int64),
		latency:   make(map[string]time.Duration),
	}
}

// RecordRequest counts one request and its latency.
func (m *Metrics) RecordRequest(operation string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[operation]++
	m.latency[operation] += latency
}

// RecordError counts one failed request.
func (m *Metrics) RecordError(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[operation]++
}

// OperationMetrics summarizes one operation.
type OperationMetrics struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// MetricsSnapshot is a point-in-time copy of the collector.
type MetricsSnapshot struct {
	UptimeSeconds float64                     `json:"uptime_seconds"`
	ActiveConns   int                         `json:"active_connections"`
	TotalRequests int64                       `json:"total_requests"`
	TotalErrors   int64                       `json:"total_errors"`
	Operations    map[string]OperationMetrics `json:"operations"`
}

// Snapshot copies the counters out under the lock.
func (m *Metrics) Snapshot(activeConns int) *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		ActiveConns:   activeConns,
		Operations:    make(map[string]OperationMetrics, len(m.requests)),
	}
	for op, count := range m.requests {
		om := OperationMetrics{
			Requests: count,
			Errors:   m.errors[op],
		}
		if count > 0 {
			om.AvgLatencyMs = m.latency[op].Seconds() * 1000 / float64(count)
		}
		snap.Operations[op] = om
		snap.TotalRequests += count
	}
	for _, count := range m.errors {
		snap.TotalErrors += count
	}
	return snap
}
