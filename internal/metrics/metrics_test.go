package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/storage"
)

func TestTracker_Record(t *testing.T) {
	tr := NewTracker()
	tr.Record(1, 2, 3, 0)
	tr.Record(1, 0, 1, 1)
	tr.IncrementReconnections()
	tr.IncrementEventsDumped()
	tr.IncrementEventsDumped()

	snap := tr.GetSnapshot()
	assert.Equal(t, 2, snap.NodesCrawled)
	assert.Equal(t, 2, snap.NodesDiscovered)
	assert.Equal(t, 4, snap.ReferencesRecorded)
	assert.Equal(t, 1, snap.RequestsFailed)
	assert.Equal(t, 1, snap.Reconnections)
	assert.Equal(t, 2, snap.EventsDumped)

	assert.Equal(t, 4.0, testutil.ToFloat64(tr.referencesRecorded))
	assert.Equal(t, 2.0, testutil.ToFloat64(tr.eventsDumped))

	count, err := testutil.GatherAndCount(tr.Registry())
	require.NoError(t, err)
	assert.Equal(t, 9, count)

	assert.Equal(t,
		"Nodes: 2 discovered, 2 crawled | References: 4 | Requests: 1 failed | Reconnections: 1 | Events: 2",
		tr.LogProgress())
}

func TestTracker_WriteToFile(t *testing.T) {
	tr := NewTracker()
	tr.SetRunID("run-42")
	tr.SetSessionCounters(2048, 512, 7, 3*time.Millisecond, 12*time.Millisecond)

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, tr.WriteToFile(path, "completed"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var got storage.Metrics
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, "completed", got.TerminationReason)
	assert.Equal(t, int64(2048), got.BytesRead)
	assert.Equal(t, int64(7), got.Transactions)
	assert.InDelta(t, 12.0, got.LatencyP99Ms, 0.001)
	assert.False(t, got.EndTime.Before(got.StartTime))

	assert.Error(t, tr.WriteToFile(filepath.Join(t.TempDir(), "missing", "metrics.json"), "x"))
}
