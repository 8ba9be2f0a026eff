package storage

import "time"

// Run is one execution of the crawler against one endpoint
type Run struct {
	RunID            string
	Endpoint         string
	SecurityMode     string
	SecurityPolicy   string
	RootNodeID       string
	StartedAt        time.Time
	FinishedAt       time.Time
	NodeCount        int
	ErrorCount       int
	ReadCount        int64
	BrowseCount      int64
	TransactionCount int64
}

// Node represents one address-space node discovered by a run
type Node struct {
	NodeID      string
	BrowseName  string
	DisplayName string
	NodeClass   string
	Depth       int
	Error       string
	CreatedAt   time.Time
}

// Edge represents a hierarchical reference between two nodes. CrossReference
// is set when the target had already been visited through another path
type Edge struct {
	FromNodeID     string
	ToNodeID       string
	ReferenceType  string
	CrossReference bool
	Weight         int
}

// Metrics tracks crawl statistics for export on exit
type Metrics struct {
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	RunID              string    `json:"run_id,omitempty"`
	NodesDiscovered    int       `json:"nodes_discovered"`
	NodesCrawled       int       `json:"nodes_crawled"`
	ReferencesRecorded int       `json:"references_recorded"`
	RequestsFailed     int       `json:"requests_failed"`
	Reconnections      int       `json:"reconnections"`
	EventsDumped       int       `json:"events_dumped"`
	BytesRead          int64     `json:"bytes_read"`
	BytesWritten       int64     `json:"bytes_written"`
	Transactions       int64     `json:"transactions"`
	LatencyP50Ms       float64   `json:"latency_p50_ms"`
	LatencyP99Ms       float64   `json:"latency_p99_ms"`
	TerminationReason  string    `json:"termination_reason"`
}
