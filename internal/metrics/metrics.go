package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/storage"
)

// Tracker holds and manages crawl metrics. Every counter is mirrored into a
// Prometheus registry owned by the tracker
type Tracker struct {
	mu   sync.Mutex
	data storage.Metrics

	registry           *prometheus.Registry
	nodesCrawled       prometheus.Counter
	nodesDiscovered    prometheus.Counter
	referencesRecorded prometheus.Counter
	requestsFailed     prometheus.Counter
	reconnections      prometheus.Counter
	eventsDumped       prometheus.Counter
	bytesRead          prometheus.Gauge
	bytesWritten       prometheus.Gauge
	transactions       prometheus.Gauge
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opcua_crawler",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcua_crawler",
			Subsystem: "session",
			Name:      name,
			Help:      help,
		})
	}

	return &Tracker{
		data: storage.Metrics{
			StartTime: time.Now(),
		},
		registry:           reg,
		nodesCrawled:       counter("nodes_crawled_total", "Nodes whose references were browsed"),
		nodesDiscovered:    counter("nodes_discovered_total", "Distinct nodes added to the crawl tree"),
		referencesRecorded: counter("references_recorded_total", "Hierarchical references recorded, cross references included"),
		requestsFailed:     counter("requests_failed_total", "Browse and read requests that failed"),
		reconnections:      counter("reconnections_total", "Connections re-established after a drop"),
		eventsDumped:       counter("events_dumped_total", "Event notifications rendered"),
		bytesRead:          gauge("bytes_read", "Bytes received on the session"),
		bytesWritten:       gauge("bytes_written", "Bytes sent on the session"),
		transactions:       gauge("transactions", "Requests issued on the session"),
	}
}

// Registry returns the Prometheus registry holding the tracker's metrics
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// SetRunID tags the exported metrics with the run they belong to
func (t *Tracker) SetRunID(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.RunID = runID
}

// Record adds crawl progress deltas. It matches the crawler's metrics
// callback
func (t *Tracker) Record(nodesCrawled, nodesDiscovered, referencesRecorded, requestsFailed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.NodesCrawled += nodesCrawled
	t.data.NodesDiscovered += nodesDiscovered
	t.data.ReferencesRecorded += referencesRecorded
	t.data.RequestsFailed += requestsFailed

	t.nodesCrawled.Add(float64(nodesCrawled))
	t.nodesDiscovered.Add(float64(nodesDiscovered))
	t.referencesRecorded.Add(float64(referencesRecorded))
	t.requestsFailed.Add(float64(requestsFailed))
}

// IncrementReconnections increments the re-established connections counter
func (t *Tracker) IncrementReconnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Reconnections++
	t.reconnections.Inc()
}

// IncrementEventsDumped increments the rendered events counter
func (t *Tracker) IncrementEventsDumped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.EventsDumped++
	t.eventsDumped.Inc()
}

// SetSessionCounters stores the latest session accounting
func (t *Tracker) SetSessionCounters(bytesRead, bytesWritten, transactions int64, p50, p99 time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.BytesRead = bytesRead
	t.data.BytesWritten = bytesWritten
	t.data.Transactions = transactions
	t.data.LatencyP50Ms = float64(p50) / float64(time.Millisecond)
	t.data.LatencyP99Ms = float64(p99) / float64(time.Millisecond)

	t.bytesRead.Set(float64(bytesRead))
	t.bytesWritten.Set(float64(bytesWritten))
	t.transactions.Set(float64(transactions))
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Finalize metrics
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason

	// Marshal to JSON
	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for the console
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Nodes: %d discovered, %d crawled | References: %d | Requests: %d failed | Reconnections: %d | Events: %d",
		t.data.NodesDiscovered,
		t.data.NodesCrawled,
		t.data.ReferencesRecorded,
		t.data.RequestsFailed,
		t.data.Reconnections,
		t.data.EventsDumped,
	)
}
