package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects performance metrics for a VR replica or client. It satisfies vr.MetricsCollector and is safe for
// concurrent use, so a host can read it while the scheduler goroutine records.
type Metrics struct {
	mu sync.RWMutex

	// Request latencies (time from submission to reply), recorded by clients
	requestLatencies []time.Duration

	// Message counters
	requestCount    atomic.Uint64
	prepareCount    atomic.Uint64
	heartbeatCount  atomic.Uint64
	retransmitCount atomic.Uint64

	// Throughput tracking
	opsCommitted atomic.Uint64
	startTime    time.Time

	// Failure handling
	viewChangeCount atomic.Uint64
	recoveryCount   atomic.Uint64
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		requestLatencies: make([]time.Duration, 0, 10000),
		startTime:        time.Now(),
	}
}

// RecordRequest counts a request submitted by a client
func (m *Metrics) RecordRequest() {
	m.requestCount.Add(1)
}

// RecordPrepare counts an operation the primary started to replicate
func (m *Metrics) RecordPrepare() {
	m.prepareCount.Add(1)
}

// RecordCommit counts an operation executed on the state machine
func (m *Metrics) RecordCommit() {
	m.opsCommitted.Add(1)
}

// RecordHeartbeat counts a Commit broadcast by an idle primary
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordRetransmit counts a message sent again for lack of an acknowledgment
func (m *Metrics) RecordRetransmit() {
	m.retransmitCount.Add(1)
}

// RecordViewChange counts a view change this replica took part in
func (m *Metrics) RecordViewChange() {
	m.viewChangeCount.Add(1)
}

// RecordRecovery counts a recovery attempt
func (m *Metrics) RecordRecovery() {
	m.recoveryCount.Add(1)
}

// RecordRequestLatency records the latency of a single request from submission to reply
func (m *Metrics) RecordRequestLatency(latency time.Duration) {
	m.mu.Lock()
	m.requestLatencies = append(m.requestLatencies, latency)
	m.mu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded request latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := make([]time.Duration, len(m.requestLatencies))
	copy(latencies, m.requestLatencies)
	m.mu.RUnlock()

	return computeStats(latencies)
}

func computeStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	latenciesMs := make([]float64, len(latencies))
	var sum float64
	for i, lat := range latencies {
		ms := float64(lat.Microseconds()) / 1000.0
		latenciesMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(latenciesMs))

	var variance float64
	for _, lat := range latenciesMs {
		diff := lat - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(latenciesMs)))

	return LatencyStats{
		Count:  len(latencies),
		Min:    latenciesMs[0],
		Max:    latenciesMs[len(latenciesMs)-1],
		Mean:   mean,
		P50:    percentile(latenciesMs, 50),
		P95:    percentile(latenciesMs, 95),
		P99:    percentile(latenciesMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the current throughput in committed operations/second
func (m *Metrics) GetThroughput() float64 {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()

	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.opsCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	GroupSize    int       `json:"group_size"`
	TestDuration float64   `json:"test_duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	OpsCommitted  uint64  `json:"ops_committed"`
	ThroughputOps float64 `json:"throughput_ops_per_sec"`

	RequestLatency LatencyStats `json:"request_latency"`

	RequestCount    uint64 `json:"request_count"`
	PrepareCount    uint64 `json:"prepare_count"`
	HeartbeatCount  uint64 `json:"heartbeat_count"`
	RetransmitCount uint64 `json:"retransmit_count"`

	ViewChangeCount uint64 `json:"view_change_count"`
	RecoveryCount   uint64 `json:"recovery_count"`
}

// GetReport generates a report of everything collected so far
func (m *Metrics) GetReport(groupSize int) Report {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	endTime := time.Now()

	return Report{
		GroupSize:       groupSize,
		TestDuration:    endTime.Sub(start).Seconds(),
		StartTime:       start,
		EndTime:         endTime,
		OpsCommitted:    m.opsCommitted.Load(),
		ThroughputOps:   m.GetThroughput(),
		RequestLatency:  m.GetLatencyStats(),
		RequestCount:    m.requestCount.Load(),
		PrepareCount:    m.prepareCount.Load(),
		HeartbeatCount:  m.heartbeatCount.Load(),
		RetransmitCount: m.retransmitCount.Load(),
		ViewChangeCount: m.viewChangeCount.Load(),
		RecoveryCount:   m.recoveryCount.Load(),
	}
}

// PrintReport writes the report in a human-readable format
func (r *Report) PrintReport(w io.Writer) {
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)

	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "VR PERFORMANCE REPORT")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "\nConfiguration:\n")
	fmt.Fprintf(w, "  Group Size: %d replicas\n", r.GroupSize)
	fmt.Fprintf(w, "  Duration: %.2f seconds\n", r.TestDuration)
	fmt.Fprintf(w, "  Start: %s\n", r.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  End: %s\n", r.EndTime.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(w, "\n"+thin)
	fmt.Fprintf(w, "\nThroughput:\n")
	fmt.Fprintf(w, "  Operations Committed: %d\n", r.OpsCommitted)
	fmt.Fprintf(w, "  Throughput: %.2f ops/sec\n", r.ThroughputOps)

	fmt.Fprintf(w, "\nRequest Latency (submission to reply):\n")
	if r.RequestLatency.Count > 0 {
		fmt.Fprintf(w, "  Count: %d\n", r.RequestLatency.Count)
		fmt.Fprintf(w, "  Min: %.3f ms\n", r.RequestLatency.Min)
		fmt.Fprintf(w, "  Mean: %.3f ms\n", r.RequestLatency.Mean)
		fmt.Fprintf(w, "  P50: %.3f ms\n", r.RequestLatency.P50)
		fmt.Fprintf(w, "  P95: %.3f ms\n", r.RequestLatency.P95)
		fmt.Fprintf(w, "  P99: %.3f ms\n", r.RequestLatency.P99)
		fmt.Fprintf(w, "  Max: %.3f ms\n", r.RequestLatency.Max)
		fmt.Fprintf(w, "  StdDev: %.3f ms\n", r.RequestLatency.StdDev)
	} else {
		fmt.Fprintf(w, "  No data collected\n")
	}

	fmt.Fprintln(w, "\n"+thin)
	fmt.Fprintf(w, "\nMessages:\n")
	fmt.Fprintf(w, "  Requests: %d\n", r.RequestCount)
	fmt.Fprintf(w, "  Prepares: %d\n", r.PrepareCount)
	fmt.Fprintf(w, "  Heartbeats: %d\n", r.HeartbeatCount)
	fmt.Fprintf(w, "  Retransmissions: %d\n", r.RetransmitCount)

	fmt.Fprintf(w, "\nFailures:\n")
	fmt.Fprintf(w, "  View Changes: %d\n", r.ViewChangeCount)
	fmt.Fprintf(w, "  Recoveries: %d\n", r.RecoveryCount)

	fmt.Fprintln(w, "\n"+rule)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.requestLatencies = make([]time.Duration, 0, 10000)
	m.startTime = time.Now()
	m.mu.Unlock()

	m.requestCount.Store(0)
	m.prepareCount.Store(0)
	m.heartbeatCount.Store(0)
	m.retransmitCount.Store(0)
	m.opsCommitted.Store(0)
	m.viewChangeCount.Store(0)
	m.recoveryCount.Store(0)
}
